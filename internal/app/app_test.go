package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"forward-factor-alerts/internal/config"
	"forward-factor-alerts/internal/coord"
	"forward-factor-alerts/internal/metrics"
	"forward-factor-alerts/internal/service"
	"forward-factor-alerts/internal/storage"
)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestSimulateAlertsOnceAfterStableScans(t *testing.T) {
	a, out := testApp(t)

	steps, err := a.Simulate(context.Background(), SimulateOptions{
		Ticker: "spy", Price: 100, FrontDTE: 30, BackDTE: 60,
		FrontIV: 0.45, BackIV: 0.35, Scans: 3,
	})
	if err != nil {
		t.Fatalf("模拟失败: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("应有 3 次扫描, 实际 %d", len(steps))
	}
	if steps[0].Result.Candidates != 1 || steps[0].Result.Alerts != 0 {
		t.Fatalf("首次扫描不应告警: %+v", steps[0].Result)
	}
	if steps[1].Result.Alerts != 1 || steps[1].Result.Inserted != 1 || steps[1].Delivered != 1 {
		t.Fatalf("第二次扫描应告警并送达: %+v delivered=%d", steps[1].Result, steps[1].Delivered)
	}
	if steps[2].Result.Alerts != 0 || steps[2].Delivered != 0 {
		t.Fatalf("冷却期内不应再次告警: %+v", steps[2].Result)
	}
	if steps[0].FF < 1.1 || steps[0].FF > 1.3 {
		t.Fatalf("FF 计算异常: %v", steps[0].FF)
	}
	if !strings.Contains(out.String(), "scan 2:") {
		t.Fatalf("输出缺少扫描记录: %s", out.String())
	}
}

func TestSimulateInvertedTermStructureProducesNoCandidates(t *testing.T) {
	a, _ := testApp(t)

	// Back IV far below front IV drives forward variance negative.
	steps, err := a.Simulate(context.Background(), SimulateOptions{
		Ticker: "QQQ", Price: 400, FrontDTE: 30, BackDTE: 60,
		FrontIV: 0.60, BackIV: 0.30, Scans: 2,
	})
	if err != nil {
		t.Fatalf("模拟失败: %v", err)
	}
	for i, s := range steps {
		if s.Result.Candidates != 0 {
			t.Fatalf("第 %d 次扫描不应产生候选: %+v", i+1, s.Result)
		}
	}
}

func TestSimulateValidatesOptions(t *testing.T) {
	a, _ := testApp(t)
	cases := []SimulateOptions{
		{Price: 100, FrontDTE: 30, BackDTE: 60, FrontIV: 0.4, BackIV: 0.3, Scans: 1},
		{Ticker: "SPY", FrontDTE: 30, BackDTE: 60, FrontIV: 0.4, BackIV: 0.3, Scans: 1},
		{Ticker: "SPY", Price: 100, FrontDTE: 60, BackDTE: 30, FrontIV: 0.4, BackIV: 0.3, Scans: 1},
		{Ticker: "SPY", Price: 100, FrontDTE: 30, BackDTE: 60, BackIV: 0.3, Scans: 1},
		{Ticker: "SPY", Price: 100, FrontDTE: 30, BackDTE: 60, FrontIV: 0.4, BackIV: 0.3},
	}
	for i, opts := range cases {
		if _, err := a.Simulate(context.Background(), opts); err == nil {
			t.Fatalf("用例 %d 应返回错误", i)
		}
	}
}

func TestBuildServiceRoles(t *testing.T) {
	a, _ := testApp(t)
	store := storage.NewStoreWithDB(nil)

	svc, err := a.buildService(store, coord.NewMemory(), metrics.New(), service.AllRoles)
	if err != nil {
		t.Fatalf("构建服务失败: %v", err)
	}
	want := []string{"http", "notifier", "reminders", "scanner", "scheduler"}
	if got := svc.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("组件列表错误: %v", got)
	}

	a.Config.Reminders.Enabled = false
	a.Config.HTTP.Enabled = false
	svc, err = a.buildService(store, coord.NewMemory(), metrics.New(), service.AllRoles)
	if err != nil {
		t.Fatalf("构建服务失败: %v", err)
	}
	if got := svc.Names(); strings.Join(got, ",") != "notifier,scanner,scheduler" {
		t.Fatalf("禁用后组件列表错误: %v", got)
	}

	if _, err := a.buildService(store, coord.NewMemory(), metrics.New(), []string{"bogus"}); err == nil {
		t.Fatal("未知角色应返回错误")
	}
}

func TestEnqueueRequiresTickersAndRedis(t *testing.T) {
	a, _ := testApp(t)
	if _, err := a.Enqueue(context.Background(), EnqueueOptions{Tickers: []string{" , "}}); err == nil {
		t.Fatal("空代码列表应返回错误")
	}
	a.Config.Redis.Addr = ""
	if _, err := a.Enqueue(context.Background(), EnqueueOptions{Tickers: []string{"SPY"}}); err == nil {
		t.Fatal("未配置 redis 时应返回错误")
	}
}

func TestNormalizeTickers(t *testing.T) {
	got := normalizeTickers([]string{"spy, qqq", "SPY", " iwm "})
	if strings.Join(got, ",") != "SPY,QQQ,IWM" {
		t.Fatalf("代码规范化错误: %v", got)
	}
}

func sampleSignals(n int) []storage.Signal {
	base := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	out := make([]storage.Signal, n)
	for i := range out {
		out[i] = storage.Signal{
			ID:              uuid.New(),
			Ticker:          "SPY",
			AsOf:            base.Add(time.Duration(i) * time.Hour),
			FrontExpiry:     time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
			BackExpiry:      time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			FrontDTE:        30,
			BackDTE:         60,
			FrontIV:         0.45,
			BackIV:          0.35,
			SigmaFwd:        0.206,
			FF:              1.1828 + float64(i)/100,
			VolPoint:        "ATM",
			UnderlyingPrice: decimal.RequireFromString("500.125"),
			DedupeKey:       "k",
		}
	}
	return out
}

func TestDownsampleSignals(t *testing.T) {
	s := sampleSignals(10)
	if got := downsampleSignals(s, 0); len(got) != 10 {
		t.Fatalf("max=0 应返回全部, 实际 %d", len(got))
	}
	got := downsampleSignals(s, 4)
	if len(got) != 4 {
		t.Fatalf("应降采样为 4 条, 实际 %d", len(got))
	}
	if !got[0].AsOf.Equal(s[0].AsOf) || !got[3].AsOf.Equal(s[9].AsOf) {
		t.Fatal("降采样应保留首尾样本")
	}
	if got := downsampleSignals(s, 1); len(got) != 1 || !got[0].AsOf.Equal(s[9].AsOf) {
		t.Fatal("max=1 应返回最新样本")
	}
}

func TestWriteSignalsAndTiers(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSignals(&buf, sampleSignals(1)); err != nil {
		t.Fatalf("写表失败: %v", err)
	}
	if !strings.Contains(buf.String(), "118.28") || !strings.Contains(buf.String(), "500.13") {
		t.Fatalf("表格内容错误: %s", buf.String())
	}

	buf.Reset()
	if err := writeSignals(&buf, nil); err != nil || !strings.Contains(buf.String(), "no signals") {
		t.Fatalf("空结果提示错误: %q %v", buf.String(), err)
	}

	buf.Reset()
	at := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	entries := []storage.TickerTierEntry{
		{Ticker: "SPY", ActiveSubscribers: 12, Tier: storage.TierHigh, LastScanAt: &at},
		{Ticker: "IWM", ActiveSubscribers: 1, Tier: storage.TierLow},
	}
	if err := writeTiers(&buf, entries); err != nil {
		t.Fatalf("写层级表失败: %v", err)
	}
	if !strings.Contains(buf.String(), "2025-01-02T15:00:00Z") || !strings.Contains(buf.String(), "IWM") {
		t.Fatalf("层级表内容错误: %s", buf.String())
	}
}

func TestWriteSignalsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "signals.csv")
	if err := writeSignalsCSV(path, sampleSignals(3)); err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("应有表头加 3 行, 实际 %d", len(rows))
	}
	if rows[0][9] != "ff_value" || rows[1][9] != "1.182800" || rows[1][2] != "2025-02-01" {
		t.Fatalf("CSV 内容错误: %v", rows[:2])
	}
}

func TestWriteSignalsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ff.png")
	if err := writeSignalsPNG(path, sampleSignals(5)); err != nil {
		t.Fatalf("绘图失败: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("PNG 未生成: %v", err)
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := testApp(t)
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("未指定输出应返回错误")
	}
}
