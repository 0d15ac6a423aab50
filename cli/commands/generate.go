package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/stratastore/strata/cli/styles"
)

// promptInput asks for a value when one was not supplied by flag. It is
// a no-op in non-interactive mode or when the value is already set.
func promptInput(title, description, placeholder string, value *string, nonInteractive bool) error {
	if nonInteractive || *value != "" {
		return nil
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title(title).Description(description).Value(value).Placeholder(placeholder),
		),
	).WithTheme(huh.ThemeDracula())
	return form.Run()
}

// promptEventList resolves an event name list, prompting for a
// comma-separated string when the flag was not given.
func promptEventList(events []string, title, description, placeholder string, nonInteractive bool) ([]string, error) {
	if len(events) > 0 {
		return events, nil
	}
	var input string
	if err := promptInput(title, description, placeholder, &input, nonInteractive); err != nil {
		return nil, err
	}
	return parseCommaSeparated(input), nil
}

// parseCommaSeparated splits a comma-separated string into trimmed parts.
func parseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate code scaffolding",
		Long: `Generate boilerplate code for aggregates, events, projections, and commands.

Examples:
  strata generate aggregate Order
  strata generate event OrderCreated --aggregate Order
  strata generate projection OrderSummary
  strata generate command CreateOrder --aggregate Order`,
		Aliases: []string{"gen", "g"},
	}

	cmd.AddCommand(newGenerateAggregateCommand())
	cmd.AddCommand(newGenerateEventCommand())
	cmd.AddCommand(newGenerateProjectionCommand())
	cmd.AddCommand(newGenerateCommandCommand())

	return cmd
}

func newGenerateAggregateCommand() *cobra.Command {
	var events []string
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:   "aggregate <name>",
		Short: "Generate an aggregate with events",
		Long: `Generate a new aggregate with optional initial events.

Examples:
  strata generate aggregate Order
  strata generate aggregate Order --events Created,ItemAdded,Shipped`,
		Aliases: []string{"agg", "a"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			events, err = promptEventList(events, "Events",
				"Comma-separated list of events (e.g., Created,Updated,Deleted)",
				"Created,Updated,Deleted", nonInteractive)
			if err != nil {
				return err
			}

			data := AggregateData{
				Name:    toPascalCase(name),
				Module:  cfg.Project.Module,
				Package: filepath.Base(cfg.Generation.AggregatePackage),
			}
			for _, e := range events {
				data.Events = append(data.Events, EventData{
					Name:          toPascalCase(e),
					AggregateName: data.Name,
				})
			}

			stem := strings.ToLower(name)
			aggFile, err := emitFile(cfg.Generation.AggregatePackage, stem+".go", aggregateTemplate, data)
			if err != nil {
				return err
			}

			if len(data.Events) > 0 {
				fileData := EventFileData{
					Module:    cfg.Project.Module,
					Package:   filepath.Base(cfg.Generation.EventPackage),
					Aggregate: data.Name,
					Events:    data.Events,
				}
				if _, err := emitFile(cfg.Generation.EventPackage, stem+"_events.go", eventsFileTemplate, fileData); err != nil {
					return err
				}
			}

			if _, err := emitFile(cfg.Generation.AggregatePackage, stem+"_test.go", aggregateTestTemplate, data); err != nil {
				return err
			}

			fmt.Println()
			fmt.Println(styles.InfoBox.Render(fmt.Sprintf(`%s Generated aggregate: %s

Next steps:
  1. Implement your domain logic in %s
  2. Add command handlers in %s
  3. Create projections in %s`,
				styles.IconSuccess,
				data.Name,
				aggFile,
				cfg.Generation.CommandPackage,
				cfg.Generation.ProjectionPackage,
			)))

			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&events, "events", "e", nil, "Events to generate (comma-separated)")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip interactive prompts (for scripting)")

	return cmd
}

func newGenerateEventCommand() *cobra.Command {
	var aggregate string
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:     "event <name>",
		Short:   "Generate an event",
		Aliases: []string{"evt", "e"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			if err := promptInput("Aggregate Name", "The aggregate this event belongs to",
				"Order", &aggregate, nonInteractive); err != nil {
				return err
			}

			data := SingleEventData{
				Module:    cfg.Project.Module,
				Package:   filepath.Base(cfg.Generation.EventPackage),
				Name:      toPascalCase(name),
				Aggregate: toPascalCase(aggregate),
			}
			_, err = emitFile(cfg.Generation.EventPackage, strings.ToLower(name)+".go", singleEventTemplate, data)
			return err
		},
	}

	cmd.Flags().StringVarP(&aggregate, "aggregate", "a", "", "Aggregate this event belongs to")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip interactive prompts (for scripting)")

	return cmd
}

func newGenerateProjectionCommand() *cobra.Command {
	var events []string
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:     "projection <name>",
		Short:   "Generate a projection",
		Aliases: []string{"proj", "p"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			events, err = promptEventList(events, "Handled Events",
				"Comma-separated list of event types this projection handles",
				"OrderCreated,ItemAdded,OrderShipped", nonInteractive)
			if err != nil {
				return err
			}

			data := ProjectionData{
				Module:  cfg.Project.Module,
				Package: filepath.Base(cfg.Generation.ProjectionPackage),
				Name:    toPascalCase(name),
				Events:  events,
			}

			stem := strings.ToLower(name)
			if _, err := emitFile(cfg.Generation.ProjectionPackage, stem+".go", projectionTemplate, data); err != nil {
				return err
			}
			_, err = emitFile(cfg.Generation.ProjectionPackage, stem+"_test.go", projectionTestTemplate, data)
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&events, "events", "e", nil, "Events this projection handles")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip interactive prompts (for scripting)")

	return cmd
}

func newGenerateCommandCommand() *cobra.Command {
	var aggregate string
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:     "command <name>",
		Short:   "Generate a command and handler",
		Aliases: []string{"cmd", "c"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			if err := promptInput("Aggregate Name", "The aggregate this command operates on",
				"Order", &aggregate, nonInteractive); err != nil {
				return err
			}

			data := CommandData{
				Module:    cfg.Project.Module,
				Package:   filepath.Base(cfg.Generation.CommandPackage),
				Name:      toPascalCase(name),
				Aggregate: toPascalCase(aggregate),
			}
			_, err = emitFile(cfg.Generation.CommandPackage, strings.ToLower(name)+".go", commandTemplate, data)
			return err
		},
	}

	cmd.Flags().StringVarP(&aggregate, "aggregate", "a", "", "Aggregate this command operates on")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip interactive prompts (for scripting)")

	return cmd
}

type AggregateData struct {
	Name    string
	Module  string
	Package string
	Events  []EventData
}

type EventData struct {
	Name          string
	AggregateName string
}

type EventFileData struct {
	Module    string
	Package   string
	Aggregate string
	Events    []EventData
}

type SingleEventData struct {
	Module    string
	Package   string
	Name      string
	Aggregate string
}

type ProjectionData struct {
	Module  string
	Package string
	Name    string
	Events  []string
}

type CommandData struct {
	Module    string
	Package   string
	Name      string
	Aggregate string
}

func toPascalCase(s string) string {
	if s == "" {
		return s
	}
	out := make([]rune, 0, len(s))
	upperNext := true
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == ' ':
			upperNext = true
		case upperNext:
			out = append(out, unicode.ToUpper(r))
			upperNext = false
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// emitFile renders a template into dir/name, creating dir if needed, and
// reports the created path.
func emitFile(dir, name, tmpl string, data interface{}) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := generateFile(path, tmpl, data); err != nil {
		return "", err
	}
	fmt.Println(styles.FormatSuccess("Created " + path))
	return path, nil
}

func generateFile(path string, tmpl string, data interface{}) error {
	t, err := template.New("file").
		Funcs(template.FuncMap{"ToLower": strings.ToLower}).
		Parse(tmpl)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

var aggregateTemplate = `package {{.Package}}

import (
	"errors"

	"github.com/stratastore/strata"
)

// {{.Name}} represents the {{.Name}} aggregate.
type {{.Name}} struct {
	strata.AggregateBase

	// Add your aggregate state here
	// Example:
	// Status string
	// Items  []Item
}

// New{{.Name}} creates a new {{.Name}} aggregate.
func New{{.Name}}(id string) *{{.Name}} {
	return &{{.Name}}{
		AggregateBase: strata.NewAggregateBase(id, "{{.Name}}"),
	}
}

// ApplyEvent applies an event to the aggregate state.
func (a *{{.Name}}) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	{{- range .Events}}
	case {{.Name}}:
		return a.apply{{.Name}}(e)
	case *{{.Name}}:
		return a.apply{{.Name}}(*e)
	{{- end}}
	default:
		return errors.New("unknown event type")
	}
}

{{range .Events}}
func (a *{{$.Name}}) apply{{.Name}}(e {{.Name}}) error {
	// TODO: Apply the event to aggregate state
	return nil
}
{{end}}

// Domain methods - implement your business logic here
// Example:
// func (a *{{.Name}}) Create() error {
//     if a.Version() > 0 {
//         return errors.New("{{.Name | ToLower}} already exists")
//     }
//     return a.Raise(a, {{.Name}}Created{ID: a.AggregateID()})
// }
`

var eventsFileTemplate = `package {{.Package}}

import "time"

{{range .Events}}
// {{.Name}} is emitted when {{$.Aggregate}} {{.Name | ToLower}}.
type {{.Name}} struct {
	{{$.Aggregate}}ID string    ` + "`json:\"{{$.Aggregate | ToLower}}_id\"`" + `
	Timestamp        time.Time ` + "`json:\"timestamp\"`" + `
	// Add event-specific fields here
}

// EventType returns the event type name.
func (e {{.Name}}) EventType() string {
	return "{{.Name}}"
}
{{end}}
`

var singleEventTemplate = `package {{.Package}}

import "time"

// {{.Name}} is emitted when {{.Aggregate}} {{.Name | ToLower}}.
type {{.Name}} struct {
	{{.Aggregate}}ID string    ` + "`json:\"{{.Aggregate | ToLower}}_id\"`" + `
	Timestamp        time.Time ` + "`json:\"timestamp\"`" + `
	// Add event-specific fields here
}

// EventType returns the event type name.
func (e {{.Name}}) EventType() string {
	return "{{.Name}}"
}
`

var aggregateTestTemplate = `package {{.Package}}

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew{{.Name}}(t *testing.T) {
	agg := New{{.Name}}("test-id")

	assert.Equal(t, "test-id", agg.AggregateID())
	assert.Equal(t, "{{.Name}}", agg.AggregateType())
	assert.Equal(t, int64(0), agg.Version())
}

// TODO: Add tests for your domain methods
// Example:
// func Test{{.Name}}_Create(t *testing.T) {
//     agg := New{{.Name}}("test-id")
//
//     err := agg.Create()
//
//     require.NoError(t, err)
//     events := agg.UncommittedEvents()
//     require.Len(t, events, 1)
//
//     created, ok := events[0].({{.Name}}Created)
//     require.True(t, ok)
//     assert.Equal(t, "test-id", created.{{.Name}}ID)
// }
`

var projectionTemplate = `package {{.Package}}

import (
	"context"
	"encoding/json"

	"github.com/stratastore/strata"
)

// {{.Name}} is a read model projection.
type {{.Name}} struct {
	// Add your read model state here
	// This will be materialized from events
}

// {{.Name}}Projection handles events for the {{.Name}} read model.
type {{.Name}}Projection struct {
	strata.ProjectionBase

	// Add dependencies here (e.g., a read model store)
}

// New{{.Name}}Projection creates a new {{.Name}} projection.
func New{{.Name}}Projection() *{{.Name}}Projection {
	return &{{.Name}}Projection{
		ProjectionBase: strata.NewProjectionBase("{{.Name}}",
			{{- range .Events}}
			"{{.}}",
			{{- end}}
		),
	}
}

// Apply applies an event to the projection.
func (p *{{.Name}}Projection) Apply(ctx context.Context, event strata.StoredEvent) error {
	switch event.Type {
	{{- range .Events}}
	case "{{.}}":
		return p.handle{{.}}(ctx, event)
	{{- end}}
	}
	return nil
}

{{range .Events}}
func (p *{{$.Name}}Projection) handle{{.}}(ctx context.Context, event strata.StoredEvent) error {
	var e struct {
		// Add event fields here
	}
	if err := json.Unmarshal(event.Data, &e); err != nil {
		return err
	}

	// TODO: Update read model
	return nil
}
{{end}}
`

var projectionTestTemplate = `package {{.Package}}

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew{{.Name}}Projection(t *testing.T) {
	proj := New{{.Name}}Projection()

	assert.Equal(t, "{{.Name}}", proj.Name())
	assert.NotEmpty(t, proj.HandledEvents())
}

// TODO: Add tests for event handlers
// Example:
// func Test{{.Name}}Projection_HandleEvent(t *testing.T) {
//     proj := New{{.Name}}Projection()
//     ctx := context.Background()
//
//     event := strata.StoredEvent{
//         Type: "SomeEvent",
//         Data: []byte(` + "`{\"id\": \"123\"}`" + `),
//     }
//
//     err := proj.Apply(ctx, event)
//     require.NoError(t, err)
// }
`

var commandTemplate = `package {{.Package}}

import (
	"context"
	"errors"

	"github.com/stratastore/strata"
)

// {{.Name}} is a command to {{.Name | ToLower}} on {{.Aggregate}}.
type {{.Name}} struct {
	{{.Aggregate}}ID string
	// Add command fields here
}

// AggregateID returns the target aggregate ID.
func (c {{.Name}}) AggregateID() string {
	return c.{{.Aggregate}}ID
}

// CommandType returns the command type name.
func (c {{.Name}}) CommandType() string {
	return "{{.Name}}"
}

// Validate validates the command.
func (c {{.Name}}) Validate() error {
	if c.{{.Aggregate}}ID == "" {
		return errors.New("{{.Aggregate | ToLower}}_id is required")
	}
	// Add validation logic here
	return nil
}

// {{.Name}}Handler handles {{.Name}} commands.
type {{.Name}}Handler struct {
	store *strata.EventStore
}

// New{{.Name}}Handler creates a new {{.Name}} handler.
func New{{.Name}}Handler(store *strata.EventStore) *{{.Name}}Handler {
	return &{{.Name}}Handler{store: store}
}

// Handle processes the {{.Name}} command.
func (h *{{.Name}}Handler) Handle(ctx context.Context, cmd {{.Name}}) error {
	// TODO: Implement command handling
	// 1. Load aggregate
	// 2. Execute domain logic
	// 3. Save aggregate
	return nil
}
`
