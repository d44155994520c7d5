package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"forward-factor-alerts/internal/chain"
	"forward-factor-alerts/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders signal history as CSV and/or a PNG chart of FF over time.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	signals, err := store.ListSignalsBetween(ctx, strings.ToUpper(opts.Ticker), from, to)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		a.Logger.Info().Msg("no signals found for export window")
		return nil
	}

	downsampled := downsampleSignals(signals, opts.MaxPoints)
	a.Logger.Info().Int("total", len(signals)).Int("exported", len(downsampled)).Msg("exporting signals")

	if opts.CSVPath != "" {
		if err := writeSignalsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSignalsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSignals(signals []storage.Signal, max int) []storage.Signal {
	if max <= 0 || len(signals) <= max {
		return signals
	}
	if max == 1 {
		return signals[len(signals)-1:]
	}

	result := make([]storage.Signal, 0, max)
	step := float64(len(signals)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(signals) {
			idx = len(signals) - 1
		}
		result = append(result, signals[idx])
	}
	return result
}

func writeSignalsCSV(path string, signals []storage.Signal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"as_of_ts", "ticker", "front_expiry", "back_expiry", "front_dte", "back_dte", "front_iv", "back_iv", "sigma_fwd", "ff_value", "vol_point", "underlying_price", "is_discovery", "dedupe_key"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range signals {
		record := []string{
			s.AsOf.UTC().Format(time.RFC3339),
			s.Ticker,
			s.FrontExpiry.Format(chain.DateLayout),
			s.BackExpiry.Format(chain.DateLayout),
			strconv.Itoa(s.FrontDTE),
			strconv.Itoa(s.BackDTE),
			formatFloat(s.FrontIV),
			formatFloat(s.BackIV),
			formatFloat(s.SigmaFwd),
			formatFloat(s.FF),
			s.VolPoint,
			s.UnderlyingPrice.String(),
			strconv.FormatBool(s.IsDiscovery),
			s.DedupeKey,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSignalsPNG(path string, signals []storage.Signal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(signals))
	ff := make([]float64, len(signals))
	front := make([]float64, len(signals))
	back := make([]float64, len(signals))

	for i, s := range signals {
		x[i] = s.AsOf
		ff[i] = s.FF * 100
		front[i] = s.FrontIV * 100
		back[i] = s.BackIV * 100
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Forward Factor (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Implied Vol (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "FF %",
				XValues: x,
				YValues: ff,
			},
			chart.TimeSeries{
				Name:    "Front IV %",
				XValues: x,
				YValues: front,
				YAxis:   chart.YAxisSecondary,
			},
			chart.TimeSeries{
				Name:    "Back IV %",
				XValues: x,
				YValues: back,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
