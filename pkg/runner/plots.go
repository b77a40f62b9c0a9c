package runner

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	mg "github.com/erkkah/margaid"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// lossCurve is the series of one loss metric.
type lossCurve struct {
	name          string
	steps, values []float64
}

// lossCurves groups the recorded loss points per metric name, sorted by name.
func lossCurves(points []plots.Point) []*lossCurve {
	byName := make(map[string]*lossCurve)
	for _, p := range points {
		if p.MetricType != metrics.LossMetricType {
			continue
		}
		c, found := byName[p.MetricName]
		if !found {
			c = &lossCurve{name: p.MetricName}
			byName[p.MetricName] = c
		}
		c.steps = append(c.steps, p.Step)
		c.values = append(c.values, p.Value)
	}
	curves := make([]*lossCurve, 0, len(byName))
	for _, name := range xslices.SortedKeys(byName) {
		curves = append(curves, byName[name])
	}
	return curves
}

// SaveLossPlot plots the loss curves recorded by the summary. The format is given by the
// file extension: ".png" (gonum/plot), ".svg" (margaid) or ".html" (Plotly).
func (s *Summary) SaveLossPlot(filePath string) error {
	curves := lossCurves(s.Points())
	if len(curves) == 0 {
		return errors.Errorf("no loss points recorded yet, nothing to plot to %q", filePath)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".png":
		return savePNG(filePath, curves)
	case ".svg":
		return saveSVG(filePath, curves)
	case ".html":
		return saveHTML(filePath, curves)
	default:
		return errors.Errorf("unknown plot format %q for %q, use .png, .svg or .html", ext, filePath)
	}
}

func savePNG(filePath string, curves []*lossCurve) error {
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "Steps"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())
	for ii, c := range curves {
		xys := make(plotter.XYs, len(c.steps))
		for jj := range c.steps {
			xys[jj].X, xys[jj].Y = c.steps[jj], c.values[jj]
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %q", c.name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(c.name, line)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save loss plot to %q", filePath)
	}
	return nil
}

func saveSVG(filePath string, curves []*lossCurve) error {
	allPoints := mg.NewSeries()
	series := make([]*mg.Series, 0, len(curves))
	for _, c := range curves {
		s := mg.NewSeries(mg.Titled(c.name))
		for jj := range c.steps {
			v := mg.MakeValue(c.steps[jj], c.values[jj])
			s.Add(v)
			allPoints.Add(v)
		}
		series = append(series, s)
	}
	diagram := mg.New(1024, 400,
		mg.WithAutorange(mg.XAxis, series...),
		mg.WithAutorange(mg.YAxis, series...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range series {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "loss")
	diagram.Frame()
	diagram.Title("Loss")
	diagram.Legend(mg.BottomLeft)

	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return errors.Wrapf(err, "failed to render loss plot")
	}
	if err := os.WriteFile(filePath, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "failed to write loss plot to %q", filePath)
	}
	return nil
}

var lossHTMLTmpl = template.Must(template.New("loss").Parse(`<!DOCTYPE html>
<head>
	<meta charset="utf-8">
	<script src="{{ .CDN }}"></script>
</head>
<body>
	<div id="loss"></div>
	<script>
		Plotly.newPlot('loss', JSON.parse(atob('{{ .Figure }}')));
	</script>
</body>
</html>`))

func saveHTML(filePath string, curves []*lossCurve) error {
	fig := &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{Text: ptypes.S("Loss")},
			Xaxis: &grob.LayoutXaxis{Showgrid: ptypes.B(true)},
			Yaxis: &grob.LayoutYaxis{Showgrid: ptypes.B(true), Type: grob.LayoutYaxisTypeLog},
		},
	}
	for _, c := range curves {
		fig.Data = append(fig.Data, &grob.Scatter{
			Name: ptypes.S(c.name),
			Line: &grob.ScatterLine{Shape: grob.ScatterLineShapeLinear},
			Mode: "lines+markers",
			X:    ptypes.DataArray(c.steps),
			Y:    ptypes.DataArray(c.values),
		})
	}
	figAsJSON, err := json.Marshal(fig)
	if err != nil {
		return errors.Wrap(err, "failed to marshal plotly figure")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	err = lossHTMLTmpl.Execute(f, struct{ CDN, Figure string }{
		CDN:    plotly.PlotlySrc,
		Figure: base64.StdEncoding.EncodeToString(figAsJSON),
	})
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to render plotly page to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
