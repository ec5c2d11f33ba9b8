package cli

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"collabtext/internal/codec"
	"collabtext/internal/crdt"
)

var inspectEncoding string

var inspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Decode a snapshot or update",
	Long: `Decodes an encoded snapshot or delta and prints its kind, the text it
produces, its state vector and its delete set. Use "-" to read stdin.
Snapshots in the fallback store are <storage_dir>/<doc-id>.snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectEncoding, "encoding", "e", "raw", "Input encoding: raw, hex or base64")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	data, err = decodeInput(data, inspectEncoding)
	if err != nil {
		return err
	}

	payload, err := codec.Decode(data)
	if err != nil {
		return err
	}
	store := crdt.New(crdt.NewClientID())
	if _, err := store.Apply(payload.Update); err != nil {
		// A delta may depend on state the file does not carry.
		return fmt.Errorf("%s cannot be applied on its own: %w", payload.Kind, err)
	}

	printPayload(cmd.OutOrStdout(), payload, store)
	return nil
}

func decodeInput(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "raw":
		return data, nil
	case "hex":
		return hex.DecodeString(strings.TrimSpace(string(data)))
	case "base64":
		return base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

func printPayload(w io.Writer, p codec.Payload, store *crdt.Store) {
	fmt.Fprintf(w, "Kind: %s\n", p.Kind)
	fmt.Fprintf(w, "Structs: %d\n", len(p.Update.Structs))
	fmt.Fprintf(w, "Text: %q\n", store.Text())

	sv := store.StateVector()
	fmt.Fprintln(w, "State vector:")
	for _, c := range sv.Clients() {
		fmt.Fprintf(w, "  %d: %d\n", c, sv[c])
	}

	fmt.Fprintln(w, "Deleted:")
	if len(p.Update.Deletes) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range p.Update.Deletes {
		fmt.Fprintf(w, "  %d: clocks %d-%d\n", d.Client, d.Clock, d.Clock+d.Len-1)
	}
}
