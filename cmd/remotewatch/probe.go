package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/remotewatch/agent/internal/resource"
	"github.com/remotewatch/agent/internal/transport"
)

var (
	probeBaseURL string
	probeTimeout time.Duration
	probeFetch   bool
	probeKind    string
)

var probeCmd = &cobra.Command{
	Use:   "probe <identifier>",
	Short: "Issue one metadata request and print the result",
	Long: `Probe sends the same HEAD request the watcher uses on registration and
prints the mapped status and Last-Modified. With --fetch it also downloads
the body and materializes it as --kind.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&probeBaseURL, "base-url", "", "base URL for relative identifiers")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", transport.DefaultTimeout, "request timeout")
	probeCmd.Flags().BoolVar(&probeFetch, "fetch", false, "also fetch and materialize the body")
	probeCmd.Flags().StringVar(&probeKind, "kind", string(resource.PayloadText), "payload kind used with --fetch (text, svg, image, video, binary)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	tr, err := transport.NewHTTP(transport.HTTPConfig{
		BaseURL: probeBaseURL,
		Timeout: probeTimeout,
		Logger:  newLogger("warn"),
	})
	if err != nil {
		return err
	}
	id := args[0]
	out := cmd.OutOrStdout()

	res := tr.Probe(cmd.Context(), id)
	printResult(out, "probe", res)
	if res.Status != transport.StatusOK || !probeFetch {
		return resultErr(res)
	}

	res = tr.Fetch(cmd.Context(), id, time.Time{})
	printResult(out, "fetch", res)
	if res.Status != transport.StatusOK {
		return resultErr(res)
	}
	p, err := resource.Materialize(resource.PayloadKind(probeKind), res.Body, res.ContentType)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", probeKind, err)
	}
	fmt.Fprintf(out, "payload:       %s (%d bytes)\n", p.Kind, p.Size())
	if p.Image != nil {
		b := p.Image.Bounds()
		fmt.Fprintf(out, "image:         %s %dx%d\n", p.Format, b.Dx(), b.Dy())
	}
	return nil
}

func printResult(out io.Writer, step string, res transport.Result) {
	fmt.Fprintf(out, "%-15s%s (HTTP %d)\n", step+":", res.Status, res.Code)
	if res.MetadataErr != nil {
		fmt.Fprintf(out, "last-modified: invalid: %v\n", res.MetadataErr)
	} else if !res.LastModified.IsZero() {
		fmt.Fprintf(out, "last-modified: %s\n", res.LastModified.Format(time.RFC3339))
	}
	if res.ETag != "" {
		fmt.Fprintf(out, "etag:          %s\n", res.ETag)
	}
	if res.ContentType != "" {
		fmt.Fprintf(out, "content-type:  %s\n", res.ContentType)
	}
	if res.Err != nil {
		fmt.Fprintf(out, "error:         %v\n", res.Err)
	}
}

func resultErr(res transport.Result) error {
	switch {
	case res.Err != nil:
		return res.Err
	case res.Status == transport.StatusNotFound:
		return fmt.Errorf("resource not found (HTTP %d)", res.Code)
	case res.MetadataErr != nil:
		return res.MetadataErr
	}
	return nil
}
