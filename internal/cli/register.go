package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"noetl.io/noetl/internal/catalog"
	"noetl.io/noetl/internal/playbook"
)

var registerFile string

var registerCmd = &cobra.Command{
	Use:   "register <resource-type>",
	Short: "Register a playbook (or other resource) with the catalog",
	Long:  "register parses a YAML document and writes it to the content-addressed catalog (§4.1), exiting 0 on success, 2 on validation failure.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerFile, "file", "", "path to the resource's YAML file")
	_ = registerCmd.MarkFlagRequired("file")
}

func runRegister(cmd *cobra.Command, args []string) error {
	resourceType := catalog.ResourceType(args[0])

	raw, err := os.ReadFile(registerFile)
	if err != nil {
		return withExit(ExitInvalidArgs, fmt.Errorf("reading %s: %w", registerFile, err))
	}

	path, contentJSON, err := toCatalogContent(resourceType, raw)
	if err != nil {
		return withExit(ExitValidation, err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := bootstrap(ctx, "noetl-cli")
	if err != nil {
		return err
	}
	defer rt.Close()

	version, status, err := rt.Catalog.Register(ctx, resourceType, path, contentJSON, 0)
	if err != nil {
		return withExit(ExitValidation, err)
	}

	fmt.Printf("registered %s %s@%s (%s)\n", resourceType, path, version, status)
	return nil
}

// toCatalogContent decodes the file's YAML into a generic value and
// re-encodes it as JSON (catalog.Register's normalize() requires valid
// JSON while playbooks are authored in YAML), preserving the document's
// own keys rather than round-tripping through a typed struct whose Go
// field names would not match playbook.Parse's yaml tags when the stored
// JSON is later re-parsed out of the catalog. Playbook content is also
// validated up front via playbook.Parse so a bad document is rejected at
// register time (§6 "kind must be Playbook"), not at first execution.
func toCatalogContent(resourceType catalog.ResourceType, raw []byte) (path string, contentJSON []byte, err error) {
	var meta struct {
		Metadata struct {
			Path string `yaml:"path"`
		} `yaml:"metadata"`
	}
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return "", nil, fmt.Errorf("register: invalid YAML: %w", err)
	}
	if meta.Metadata.Path == "" {
		return "", nil, fmt.Errorf("register: metadata.path is required")
	}

	if resourceType == catalog.ResourcePlaybook {
		if _, err := playbook.Parse(raw); err != nil {
			return "", nil, err
		}
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return "", nil, fmt.Errorf("register: invalid YAML: %w", err)
	}
	contentJSON, err = json.Marshal(generic)
	if err != nil {
		return "", nil, fmt.Errorf("register: encoding as JSON: %w", err)
	}
	return meta.Metadata.Path, contentJSON, nil
}
