// Package validate contains the command checking schema files before they
// are deployed.
package validate

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docrel/docrel/pkg/schema"
)

// NewValidateCommand returns the command validating a schema file: it loads
// the declared collections, applies defaults, parses every embed source
// path, and reports the first declaration error found.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <schema-file>",
		Short: "Validate a schema file",
		Long:  "Validate a schema file: collections, relations, embed source paths, and reverse configurations.",
		RunE:  runValidate,
		Args:  cobra.ExactArgs(1),
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	reg, err := schema.LoadFile(args[0])
	if err != nil {
		return err
	}

	for _, name := range reg.CollectionNames() {
		coll, err := reg.Collection(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %d field(s), %d relation(s), %d dependent(s)\n",
			name, len(coll.Fields), len(coll.Relations), len(reg.ReverseEntries(name)))
	}
	fmt.Fprintln(os.Stdout, "schema is valid")
	return nil
}
