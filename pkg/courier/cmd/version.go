package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/mail-courier/pkg/courier/output"
	"github.com/telekom/mail-courier/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show courier version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()

			rt, _ := getRuntime(cmd)
			writer := cmd.OutOrStdout()
			format := output.FormatTable
			if rt != nil {
				writer = rt.Writer()
				f, err := rt.Format()
				if err != nil {
					return err
				}
				format = f
			}

			if format == output.FormatTable {
				_, _ = fmt.Fprintln(writer, info.String())
				return nil
			}
			return output.WriteObject(writer, format, info)
		},
	}
}
