package main

import (
	"fmt"
	"strconv"
	"strings"

	"vectable/internal/embeddings"

	"github.com/spf13/cobra"
)

// providersCmd lists the registered embedding functions and the providers
// the config file declares.
func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List embedding function aliases and configured providers",
		Long: `List every registered embedding function alias, then every provider
declared in the config file with its dimensionality and retry budget.

A provider whose configuration is invalid (for example a missing API key)
is listed with the error instead of its dimensions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders()
		},
	}
}

func runProviders() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	registry := embeddings.Default()

	fmt.Println(styles.Title.Render("Registered functions"))
	fmt.Println(strings.Join(registry.Aliases(), ", "))
	fmt.Println()

	names := cfg.ProviderNames()
	if len(names) == 0 {
		fmt.Println(styles.Muted.Render("No providers configured."))
		return nil
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		alias, _, _ := cfg.ProviderOptions(name)
		fn, err := cfg.CreateFunction(registry, name)
		if err != nil {
			rows = append(rows, []string{name, alias, "-", "-", styles.Error.Render(err.Error())})
			continue
		}
		kinds := describeKinds(fn)
		rows = append(rows, []string{
			name,
			alias,
			strconv.Itoa(fn.NDims()),
			strconv.Itoa(fn.RetryPolicy().MaxRetries),
			kinds,
		})
		fn.Close()
	}

	fmt.Println(styles.Title.Render("Configured providers"))
	fmt.Println(renderTable([]string{"NAME", "ALIAS", "DIMS", "RETRIES", "INPUTS"}, rows))
	return nil
}

func describeKinds(fn embeddings.Function) string {
	var kinds []string
	for _, k := range []embeddings.Kind{embeddings.KindText, embeddings.KindURI, embeddings.KindBytes, embeddings.KindImage} {
		if fn.Accepts(k) {
			kinds = append(kinds, k.String())
		}
	}
	return strings.Join(kinds, ",")
}
