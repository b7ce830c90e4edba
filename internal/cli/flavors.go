package cli

import (
	"fmt"
	"io"

	"github.com/guestforge/browservm/internal/recipe"
	"github.com/spf13/cobra"
)

func newFlavorsCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "flavors",
		Short: "List buildable browser/OS flavors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jsonOut {
				return printJSON(flavorListing())
			}
			writeFlavorTable(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print machine-readable flavor list")
	return cmd
}

type flavorInfo struct {
	Flavor    string `json:"flavor"`
	VMName    string `json:"vm_name"`
	OS        string `json:"os"`
	ReuseBase string `json:"reuse_base,omitempty"`
}

func flavorListing() []flavorInfo {
	flavors := recipe.Flavors()
	out := make([]flavorInfo, 0, len(flavors))
	for _, f := range flavors {
		d, _ := recipe.Describe(f)
		out = append(out, flavorInfo{
			Flavor:    d.Flavor,
			VMName:    d.VMName,
			OS:        d.OS,
			ReuseBase: d.ReuseBase,
		})
	}
	return out
}

func writeFlavorTable(w io.Writer) {
	fmt.Fprintf(w, "%-12s %-16s %-8s %s\n", "FLAVOR", "VM NAME", "OS", "REUSE BASE")
	for _, info := range flavorListing() {
		base := info.ReuseBase
		if base == "" {
			base = "-"
		}
		fmt.Fprintf(w, "%-12s %-16s %-8s %s\n", info.Flavor, info.VMName, info.OS, base)
	}
}
