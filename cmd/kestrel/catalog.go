package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/linkage"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func evaluateCmd(loadConfig func() (*domain.Config, error)) *cobra.Command {
	var (
		documentPath string
		catalogPath  string
		category     string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Audit one document against a catalog file",
		Long: `Evaluate audits a JSON document against a YAML or JSON catalog file
without touching any storage. Categories without linkage are migrated in
memory first. The built-in preset catalog is used when --catalog is omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runEvaluate(cmd.Context(), cmd.OutOrStdout(), cfg.Audit, documentPath, catalogPath, category)
		},
	}

	cmd.Flags().StringVarP(&documentPath, "document", "d", "", "Document JSON file")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog file (YAML or JSON)")
	cmd.Flags().StringVar(&category, "category", "", "Category the document was filed under")
	_ = cmd.MarkFlagRequired("document")

	return cmd
}

func runEvaluate(ctx context.Context, out io.Writer, cfg domain.AuditConfig, documentPath, catalogPath, category string) error {
	data, err := os.ReadFile(documentPath)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse document %s: %w", documentPath, err)
	}

	f, err := openCatalog(catalogPath)
	if err != nil {
		return err
	}
	categories := linkage.MigrateLinkage(f.Categories, f.Rules)

	evaluator := rules.NewEvaluator(
		rules.WithWeights(cfg.WeightTable()),
		rules.WithMerchantPlaceholders(cfg.MerchantPlaceholders...),
	)

	active := linkage.ActiveRuleIDsFor(category, categories)
	result := evaluator.Evaluate(doc, f.Rules, active)

	audit := review.NewProcessor(cfg.RejectThreshold, "kestrel-"+Version).Process(ctx, &review.DecisionInput{
		DocumentID:     doc.ID,
		Category:       category,
		Result:         result,
		Rules:          f.Rules,
		Restricted:     active != nil,
		RulesEvaluated: len(evaluator.Candidates(doc, f.Rules, active)),
	})

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(audit)
}

func migrateCmd() *cobra.Command {
	var (
		catalogPath string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Derive category linkage for a catalog file",
		Long: `Migrate derives explicit rule linkage for every category of a catalog
file that has none, using the rules' legacy category tags, and prints the
result. Categories that already carry linkage are left as they are.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), cmd.ErrOrStderr(), catalogPath, format)
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog file (YAML or JSON)")
	cmd.Flags().StringVarP(&format, "output", "o", "", "Output format: yaml or json (default: input format)")
	_ = cmd.MarkFlagRequired("catalog")

	return cmd
}

func runMigrate(out, status io.Writer, catalogPath, format string) error {
	f, err := catalog.LoadFile(catalogPath)
	if err != nil {
		return err
	}

	migrated := linkage.MigrateLinkage(f.Categories, f.Rules)
	changed := linkage.Changed(f.Categories, migrated)
	f.Categories = migrated

	if format == "" {
		format = "yaml"
		if strings.EqualFold(filepath.Ext(catalogPath), ".json") {
			format = "json"
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(f); err != nil {
			return err
		}
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}

	fmt.Fprintf(status, "migrated %d of %d categories\n", len(changed), len(f.Categories))
	return nil
}

func openCatalog(path string) (*catalog.File, error) {
	if path == "" {
		return catalog.Presets()
	}
	return catalog.LoadFile(path)
}
