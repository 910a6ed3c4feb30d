package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wrentheai/trust-infra/pkg/crypto"
	"github.com/wrentheai/trust-infra/pkg/keystore"
)

// runKeygenCmd generates a fresh Ed25519 agent keypair. With --out the
// private key is encrypted with TRUST_KEY_PASSWORD and written to disk as a
// keystore envelope; otherwise the private key hex is printed.
//
// Exit codes:
//
//	0 - key generated
//	2 - bad usage or generation failure
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	outPath := fs.String("out", "", "write the private key as an encrypted envelope to this path")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 2
	}
	agentID, err := crypto.AgentIDFromPublicKey(signer.PublicKey())
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 2
	}

	if *outPath != "" {
		password := os.Getenv("TRUST_KEY_PASSWORD")
		if password == "" {
			fmt.Fprintln(stderr, "keygen: --out requires TRUST_KEY_PASSWORD to be set")
			return 2
		}
		envelope, err := keystore.Encrypt(signer.PrivateKeyHex(), password, agentID)
		if err != nil {
			fmt.Fprintf(stderr, "keygen: %v\n", err)
			return 2
		}
		if err := keystore.Save(envelope, *outPath); err != nil {
			fmt.Fprintf(stderr, "keygen: %v\n", err)
			return 2
		}
		if *jsonOut {
			return printKeygenJSON(stdout, stderr, map[string]string{
				"agent_id":   agentID,
				"public_key": signer.PublicKey(),
				"key_file":   *outPath,
			})
		}
		fmt.Fprintf(stdout, "Agent ID:    %s\n", agentID)
		fmt.Fprintf(stdout, "Public key:  %s\n", signer.PublicKey())
		fmt.Fprintf(stdout, "Private key encrypted at %s\n", *outPath)
		return 0
	}

	if *jsonOut {
		return printKeygenJSON(stdout, stderr, map[string]string{
			"agent_id":    agentID,
			"public_key":  signer.PublicKey(),
			"private_key": signer.PrivateKeyHex(),
		})
	}
	fmt.Fprintf(stdout, "Agent ID:    %s\n", agentID)
	fmt.Fprintf(stdout, "Public key:  %s\n", signer.PublicKey())
	fmt.Fprintf(stdout, "Private key: %s\n", signer.PrivateKeyHex())
	fmt.Fprintln(stdout, "Store the private key securely. It cannot be recovered.")
	return 0
}

func printKeygenJSON(stdout, stderr io.Writer, payload map[string]string) int {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 2
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}
