/*
Package cli provides helpers shared by the costgate commands.

Output Formatting:

Commands render results as text, JSON or CSV. Results that implement
Tabular render as aligned columns in text and as rows in CSV:

	format, err := cli.ParseFormat(flagValue)
	if err != nil {
		return err
	}
	if err := cli.NewFormatter(format).FormatTo(os.Stdout, result); err != nil {
		return err
	}

Errors:

ConfigError and CommandError classify failures; ExitCode maps them to the
process exit status.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
*/
package cli
