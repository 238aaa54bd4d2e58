package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/fivetwenty-io/restquery/internal/constants"
	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

// Record is the entity type used by the CLI, any JSON object.
type Record = map[string]any

// renderValue writes any value as JSON or YAML.
func renderValue(out io.Writer, value any, format string) error {
	switch format {
	case constants.FormatYAML:
		encoder := yaml.NewEncoder(out)

		return encoder.Encode(value)
	default:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")

		return encoder.Encode(value)
	}
}

// renderRecord prints a single entity. Tables list one property per row.
func renderRecord(out io.Writer, record Record, columns []string, format string) error {
	if format != constants.FormatTable {
		return renderValue(out, record, format)
	}

	if len(columns) == 0 {
		columns = recordColumns([]Record{record})
	}

	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")

	for _, column := range columns {
		_ = table.Append([]string{headerTitle(column), formatCell(record[column])})
	}

	err := table.Render()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	return nil
}

// renderRecords prints entities, one row each.
func renderRecords(out io.Writer, records []Record, columns []string, format string) error {
	if format != constants.FormatTable {
		if records == nil {
			records = []Record{}
		}

		return renderValue(out, records, format)
	}

	if len(records) == 0 {
		_, _ = io.WriteString(out, "No records found\n")

		return nil
	}

	if len(columns) == 0 {
		columns = recordColumns(records)
	}

	headers := make([]any, len(columns))
	for i, column := range columns {
		headers[i] = headerTitle(column)
	}

	table := tablewriter.NewWriter(out)
	table.Header(headers...)

	for _, record := range records {
		row := make([]string, len(columns))
		for i, column := range columns {
			row[i] = formatCell(record[column])
		}

		_ = table.Append(row)
	}

	err := table.Render()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	return nil
}

// renderPage prints one page of a list and a footer with its position.
func renderPage(out io.Writer, page *restquery.PaginationResponse[Record], columns []string, format string) error {
	if format != constants.FormatTable {
		return renderValue(out, page, format)
	}

	err := renderRecords(out, page.Items, columns, format)
	if err != nil {
		return err
	}

	if page.Pages > 0 {
		_, _ = fmt.Fprintf(out, "Page %d of %d (%d total)\n", page.Page, page.Pages, page.Total)
	}

	return nil
}

// recordColumns collects every key of records, id first.
func recordColumns(records []Record) []string {
	seen := make(map[string]struct{})

	var columns []string

	for _, record := range records {
		for key := range record {
			if _, ok := seen[key]; ok {
				continue
			}

			seen[key] = struct{}{}
			columns = append(columns, key)
		}
	}

	sort.Slice(columns, func(i, j int) bool {
		if columns[i] == "id" || columns[j] == "id" {
			return columns[i] == "id"
		}

		return columns[i] < columns[j]
	})

	return columns
}

var titleCaser = cases.Title(language.English)

func headerTitle(column string) string {
	return titleCaser.String(strings.NewReplacer("_", " ", "-", " ").Replace(column))
}

// formatCell renders a JSON value for a table cell.
func formatCell(value any) string {
	var text string

	switch v := value.(type) {
	case nil:
		return ""
	case string:
		text = v
	case bool:
		text = strconv.FormatBool(v)
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		text = v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(encoded)
		}
	}

	if len(text) > constants.MaxTableCellWidth {
		text = text[:constants.MaxTableCellWidth-3] + "..."
	}

	return text
}

// readInput loads the request body from --data, --file or stdin. Files
// named "-" read stdin. JSON and YAML documents are accepted.
func readInput(cmd *cobra.Command, data, file string) (Record, error) {
	if data != "" && file != "" {
		return nil, constants.ErrConflictingInput
	}

	var raw []byte

	switch {
	case data != "":
		raw = []byte(data)
	case file == "-":
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}

		raw = content
	case file != "":
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}

		raw = content
	case stdinPiped(cmd.InOrStdin()):
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}

		raw = content
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, constants.ErrNoInputData
	}

	return parseDocument(raw)
}

// stdinPiped reports whether in carries data rather than a terminal.
func stdinPiped(in io.Reader) bool {
	file, ok := in.(*os.File)
	if !ok {
		return in != nil
	}

	return !term.IsTerminal(int(file.Fd()))
}

// parseDocument decodes a JSON object, falling back to YAML.
func parseDocument(raw []byte) (Record, error) {
	var document any

	err := json.Unmarshal(raw, &document)
	if err != nil {
		yamlErr := yaml.Unmarshal(raw, &document)
		if yamlErr != nil {
			return nil, fmt.Errorf("failed to parse input as JSON or YAML: %w", err)
		}
	}

	record, ok := document.(map[string]any)
	if !ok {
		return nil, constants.ErrInputNotObject
	}

	return record, nil
}

// parseParams turns key=value pairs into query parameters.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q, expected key=value", constants.ErrInvalidParam, pair)
		}

		params[key] = value
	}

	return params, nil
}

// confirm asks a yes/no question on the command's streams.
func confirm(cmd *cobra.Command, question string) bool {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (y/N): ", question)

	var response string

	_, _ = fmt.Fscanln(cmd.InOrStdin(), &response)

	return response == "y" || response == "Y"
}
