package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"engagement-ledger/internal/reconciler"
)

// Export renders daily confirmed purchase volume as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.Days = a.Config.ResolveMaxPoints(opts.Days)
	if opts.PNGPath != "" && opts.Days < 2 {
		return errors.New("a chart needs at least two days")
	}

	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	days, err := l.reconciler.DailyVolumes(ctx, opts.Days)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("days", len(days)).Msg("exporting daily volume")

	if opts.CSVPath != "" {
		if err := writeVolumeCSV(opts.CSVPath, days); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeVolumePNG(opts.PNGPath, days); err != nil {
			return err
		}
	}

	return nil
}

func writeVolumeCSV(path string, days []reconciler.DailyVolume) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write([]string{"day", "confirmed_volume", "purchases"}); err != nil {
		return err
	}
	for _, d := range days {
		record := []string{
			d.Day.Format(time.DateOnly),
			d.Volume.String(),
			strconv.Itoa(d.Count),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeVolumePNG(path string, days []reconciler.DailyVolume) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(days))
	volume := make([]float64, len(days))
	count := make([]float64, len(days))
	for i, d := range days {
		x[i] = d.Day
		volume[i] = d.Volume.InexactFloat64()
		count[i] = float64(d.Count)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Confirmed volume",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Purchases",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volume,
			},
			chart.TimeSeries{
				Name:    "Purchases",
				XValues: x,
				YValues: count,
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
