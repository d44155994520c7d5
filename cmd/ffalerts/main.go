package main

import "forward-factor-alerts/internal/cli"

func main() {
	cli.Execute()
}
