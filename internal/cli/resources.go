package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terrachat-io/terrachat/internal/cloud"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources <type>",
	Short: "List existing cloud resources of a type",
	Long: `Lists resources of the given type directly from the cloud provider.
This is a read-only query; nothing is planned or changed.

Known types: compute-instance, object-store, relational-db, nosql-table,
identity-principal, identity-role, identity-policy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		resourceType := args[0]
		if _, ok := a.registry.Get(resourceType); !ok {
			return fmt.Errorf("unknown resource type %q (known: %s)", resourceType, strings.Join(a.registry.Types(), ", "))
		}

		resources, err := a.querier.List(ctx, resourceType)
		if err != nil {
			return fmt.Errorf("failed to list %s resources: %w", resourceType, err)
		}
		if len(resources) == 0 {
			fmt.Printf("No %s resources found.\n", resourceType)
			return nil
		}

		for _, r := range resources {
			fmt.Print(formatResource(r))
		}
		return nil
	},
}

// formatResource renders one resource as a display block.
func formatResource(r cloud.Resource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", r.Name)
	if r.Status != "" {
		fmt.Fprintf(&b, "  [%s]", r.Status)
	}
	b.WriteString("\n")
	if r.ID != "" && r.ID != r.Name {
		fmt.Fprintf(&b, "    id: %s\n", r.ID)
	}
	keys := make([]string, 0, len(r.Details))
	for k := range r.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "    %s: %s\n", k, r.Details[k])
	}
	return b.String()
}
