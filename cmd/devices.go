package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/avmerge/internal/recorder/capture"
	"github.com/babelcloud/avmerge/internal/recorder/core"
	"github.com/babelcloud/avmerge/internal/util"
)

type DevicesOptions struct {
	OutputFormat string
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls"},
		Short:   "List capture devices",
		Long: `List the capture devices an input endpoint can name. An endpoint is
"<video>:<audio>" where either side may be left empty, e.g. "0:0" or "3:".`,
		Example: `  avmerge devices
  avmerge devices --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

type deviceJSON struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func runDevices(cmd *cobra.Command, opts *DevicesOptions) error {
	devices := capture.Devices()
	out := cmd.OutOrStdout()

	switch opts.OutputFormat {
	case "json":
		list := make([]deviceJSON, 0, len(devices))
		for _, d := range devices {
			list = append(list, deviceJSON{Type: d.Type.String(), ID: d.ID, Name: d.Name, Description: d.Description})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "text":
	default:
		return fmt.Errorf("unknown output format %q", opts.OutputFormat)
	}

	rows := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		typ := color.New(color.FgCyan).Sprint(d.Type)
		if d.Type == core.MediaTypeAudio {
			typ = color.New(color.FgMagenta).Sprint(d.Type)
		}
		rows = append(rows, map[string]any{
			"type":        typ,
			"id":          d.ID,
			"name":        d.Name,
			"description": d.Description,
		})
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "TYPE", Key: "type"},
		{Header: "ID", Key: "id"},
		{Header: "NAME", Key: "name"},
		{Header: "DESCRIPTION", Key: "description"},
	}, rows)
	return nil
}
