package drawer

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1" //nolint

	"github.com/askiada/go-actions-cache/pkg/pipeline/measure"
)

// DOTDrawer writes the stage graph of a transfer as a Graphviz DOT file.
type DOTDrawer struct {
	graph    graph.Graph[string, string]
	fileName string
	label    string
}

// NewDOTDrawer creates a new DOT drawer writing to fileName.
func NewDOTDrawer(fileName string) *DOTDrawer {
	return &DOTDrawer{
		fileName: fileName,
		graph:    graph.New(graph.StringHash, graph.Directed()),
	}
}

// AddStep adds a step to the pipeline graph. Adding a known step is a no-op.
func (d *DOTDrawer) AddStep(name string) error {
	err := d.graph.AddVertex(name)
	if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return errors.Wrap(err, "unable to add vertex")
	}

	return nil
}

// AddLink adds a link between parent and children steps.
func (d *DOTDrawer) AddLink(parentName, childrenName string) error {
	err := d.graph.AddEdge(parentName, childrenName)
	if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return errors.Wrapf(err, "unable to add edge from %s to %s", parentName, childrenName)
	}

	return nil
}

// SetLabel sets the caption drawn above the graph, e.g. the archive key and size.
func (d *DOTDrawer) SetLabel(label string) {
	d.label = label
}

// Draw writes the DOT file, replacing any previous drawing.
func (d *DOTDrawer) Draw() (err error) {
	file, err := os.Create(d.fileName)
	if err != nil {
		return errors.Wrapf(err, "unable to create file %s", d.fileName)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "unable to close file %s", d.fileName)
		}
	}()

	attrs := []func(*description){graphAttribute("rankdir", "LR")}
	if d.label != "" {
		attrs = append(attrs, graphAttribute("label", d.label), graphAttribute("labelloc", "t"))
	}

	err = dot(d.graph, file, attrs...)
	if err != nil {
		return errors.Wrapf(err, "unable to create dot file %s", d.fileName)
	}

	return nil
}

// SetTotalTime sets the total time for the step.
func (d *DOTDrawer) SetTotalTime(stepName string, startTime time.Time) error {
	_, properties, err := d.graph.VertexWithProperties(stepName)
	if err != nil {
		return errors.Wrapf(err, "unable to get %s vertex properties", stepName)
	}

	properties.Attributes["xlabel"] = round(time.Since(startTime)).String()

	return nil
}

// AddMeasure labels every stage with the number of chunks it handled and its
// timings, and colours every link by its average wait.
func (d *DOTDrawer) AddMeasure(msr measure.Measure) error {
	metrics := msr.AllMetrics()
	palette, err := waitPalette(metrics)
	if err != nil {
		return err
	}

	for name, metric := range metrics {
		_, properties, err := d.graph.VertexWithProperties(name)
		if err != nil {
			return errors.Wrapf(err, "unable to get %s vertex properties", name)
		}
		if label := stageLabel(metric); label != "" {
			properties.Attributes["xlabel"] = label
		}

		for parent, info := range metric.AVGTransportDuration() {
			if info.Elapsed == 0 {
				continue
			}

			err := d.graph.UpdateEdge(parent, name,
				graph.EdgeAttribute("label", round(info.Elapsed).String()),
				graph.EdgeAttribute("fontcolor", "blue"),
				graph.EdgeAttribute("color", palette[info.Elapsed]),
			)
			if err != nil {
				return errors.Wrapf(err, "unable to update edge from %s to %s", parent, name)
			}
		}
	}

	return nil
}

func stageLabel(metric measure.Metric) string {
	parts := []string{}
	if count := metric.Count(); count > 0 {
		unit := "chunks"
		if count == 1 {
			unit = "chunk"
		}
		parts = append(parts, fmt.Sprintf("%d %s", count, unit))
	}
	if avg := metric.AVGDuration(); avg > 0 {
		parts = append(parts, "avg "+round(avg).String())
	}
	if total := metric.GetTotalDuration(); total > 0 {
		parts = append(parts, "end "+round(total).String())
	}

	return strings.Join(parts, ", ")
}

const maxRGB = 240

// waitPalette maps every distinct average wait between stages to a colour,
// from blue for the shortest to red for the longest.
func waitPalette(metrics map[string]measure.Metric) (map[time.Duration]string, error) {
	waits := []time.Duration{}
	for _, metric := range metrics {
		for _, info := range metric.AVGTransportDuration() {
			if info.Elapsed != 0 && !slices.Contains(waits, info.Elapsed) {
				waits = append(waits, info.Elapsed)
			}
		}
	}

	palette := make(map[time.Duration]string, len(waits))
	if len(waits) == 0 {
		return palette, nil
	}

	slices.Sort(waits)
	shortest, longest := waits[0], waits[len(waits)-1]
	for _, wait := range waits {
		fraction := 1.0
		if longest > shortest {
			fraction = float64(wait-shortest) / float64(longest-shortest)
		}

		red := maxRGB * fraction
		colour, err := colors.RGB(uint8(red), 0, uint8(maxRGB-red)) //nolint
		if err != nil {
			return nil, errors.Wrap(err, "unable to get colour")
		}
		palette[wait] = colour.ToHEX().String()
	}

	return palette, nil
}

func round(d time.Duration) time.Duration {
	if d > time.Millisecond {
		return d.Round(time.Millisecond)
	}

	return d.Round(time.Microsecond)
}

//nolint:lll //this is a template
const dotTemplate = `strict {{.GraphType}} {
{{- range $k, $v := .Attributes}}
	{{$k}}="{{$v}}";
{{- end}}
{{- range .Vertices}}
	"{{.Name}}" [ {{if .Caption}}label=<{{.Name}} <BR /> <FONT POINT-SIZE="12">{{.Caption}}</FONT>>, {{end}}{{range $k, $v := .Attributes}}{{$k}}="{{$v}}", {{end}}weight={{.Weight}} ];
{{- end}}
{{- range .Edges}}
	"{{.Source}}" {{$.EdgeOperator}} "{{.Target}}" [ {{range $k, $v := .Attributes}}{{$k}}="{{$v}}", {{end}}weight={{.Weight}} ];
{{- end}}
}
`

type description struct {
	GraphType    string
	Attributes   map[string]string
	EdgeOperator string
	Vertices     []vertex
	Edges        []edge
}

type vertex struct {
	Name       string
	Caption    string
	Attributes map[string]string
	Weight     int
}

type edge struct {
	Source     string
	Target     string
	Attributes map[string]string
	Weight     int
}

func dot(g graph.Graph[string, string], wrt io.Writer, options ...func(*description)) error {
	desc, err := describe(g, options...)
	if err != nil {
		return errors.Wrap(err, "failed to generate DOT description")
	}

	tpl, err := template.New("dotTemplate").Parse(dotTemplate)
	if err != nil {
		return errors.Wrap(err, "failed to parse template")
	}

	err = tpl.Execute(wrt, desc)
	if err != nil {
		return errors.Wrap(err, "unable to execute template")
	}

	return nil
}

// graphAttribute sets an attribute of the whole graph. Double quotes in value are escaped.
func graphAttribute(key, value string) func(*description) {
	return func(d *description) {
		d.Attributes[key] = strings.ReplaceAll(value, `"`, `\"`)
	}
}

// describe lists vertices and edges in name order so drawings of the same
// pipeline are identical.
func describe(g graph.Graph[string, string], options ...func(*description)) (description, error) {
	desc := description{
		GraphType:    "graph",
		Attributes:   make(map[string]string),
		EdgeOperator: "--",
	}

	for _, option := range options {
		option(&desc)
	}

	if g.Traits().IsDirected {
		desc.GraphType = "digraph"
		desc.EdgeOperator = "->"
	}

	adjacencyMap, err := g.AdjacencyMap()
	if err != nil {
		return desc, errors.Wrap(err, "unable to get adjacency map")
	}

	names := make([]string, 0, len(adjacencyMap))
	for name := range adjacencyMap {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		_, properties, err := g.VertexWithProperties(name)
		if err != nil {
			return desc, errors.Wrapf(err, "unable to get %s vertex properties", name)
		}

		v := vertex{Name: name, Attributes: map[string]string{}, Weight: properties.Weight}
		for k, val := range properties.Attributes {
			if k == "xlabel" {
				v.Caption = val
				continue
			}
			v.Attributes[k] = val
		}
		desc.Vertices = append(desc.Vertices, v)

		targets := make([]string, 0, len(adjacencyMap[name]))
		for target := range adjacencyMap[name] {
			targets = append(targets, target)
		}
		slices.Sort(targets)
		for _, target := range targets {
			e := adjacencyMap[name][target]
			desc.Edges = append(desc.Edges, edge{
				Source:     name,
				Target:     target,
				Attributes: e.Properties.Attributes,
				Weight:     e.Properties.Weight,
			})
		}
	}

	return desc, nil
}

var _ Drawer = (*DOTDrawer)(nil)
