package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/velopayments/agentd/core"
)

var controlAddr string

func main() {
	root := &cobra.Command{Use: "agentctl", Short: "drives a protocolsvc instance's control plane"}
	root.PersistentFlags().StringVar(&controlAddr, "control", "127.0.0.1:8444", "protocolsvc control socket address")

	root.AddCommand(entityCmd())
	root.AddCommand(keyCmd())
	root.AddCommand(finalizeCmd())
	root.AddCommand(keygenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func entityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "entity", Short: "authorized-entity provisioning"}

	add := &cobra.Command{
		Use:   "add [entity-uuid] [enc-pubkey-hex] [sign-pubkey-hex]",
		Short: "issue AUTH_ENTITY_ADD",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			encPub, err := decodeHexFixed(args[1], core.EncryptionPublicKeySize)
			if err != nil {
				return err
			}
			signPub, err := decodeHexFixed(args[2], core.SigningPublicKeySize)
			if err != nil {
				return err
			}

			var encArr [core.EncryptionPublicKeySize]byte
			var signArr [core.SigningPublicKeySize]byte
			copy(encArr[:], encPub)
			copy(signArr[:], signPub)

			return sendControl(core.EncodeAuthEntityAddReq(id, encArr, signArr))
		},
	}

	capAdd := &cobra.Command{
		Use:   "add [entity-uuid] [subject-uuid] [verb] [object-uuid]",
		Short: "issue AUTH_ENTITY_CAP_ADD",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			subject, err := uuid.Parse(args[1])
			if err != nil {
				return err
			}
			verb, err := parseVerb(args[2])
			if err != nil {
				return err
			}
			object, err := uuid.Parse(args[3])
			if err != nil {
				return err
			}

			triple := core.CapabilityTriple{Subject: subject, Verb: verb, Object: object}
			return sendControl(core.EncodeAuthEntityCapAddReq(entityID, triple))
		},
	}

	capCmd := &cobra.Command{Use: "cap", Short: "capability provisioning"}
	capCmd.AddCommand(capAdd)

	cmd.AddCommand(add, capCmd)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "long-term key provisioning"}

	set := &cobra.Command{
		Use:   "set [agent-uuid] [mnemonic...]",
		Short: "derive keys from a mnemonic and issue PRIVATE_KEY_SET",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			mnemonic := joinArgs(args[1:])

			enc, sign, err := core.KeyPairsFromMnemonic(mnemonic, "")
			if err != nil {
				return err
			}
			return sendControl(core.EncodePrivateKeySetReq(agentID, enc, sign))
		},
	}

	cmd.AddCommand(set)
	return cmd
}

func finalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize",
		Short: "issue FINALIZE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(core.EncodeFinalizeReq())
		},
	}
}

func keygenCmd() *cobra.Command {
	var entropyBits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a mnemonic and print the derived public keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := core.GenerateMnemonic(entropyBits)
			if err != nil {
				return err
			}
			enc, sign, err := core.KeyPairsFromMnemonic(mnemonic, "")
			if err != nil {
				return err
			}
			fmt.Printf("mnemonic:        %s\n", mnemonic)
			fmt.Printf("enc public key:  %s\n", hex.EncodeToString(enc.Public[:]))
			fmt.Printf("sign public key: %s\n", hex.EncodeToString(sign.Public))
			return nil
		},
	}
	cmd.Flags().IntVar(&entropyBits, "entropy-bits", 256, "BIP-39 entropy size")
	return cmd
}

func sendControl(req []byte) error {
	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := core.WriteBoxedFrame(conn, req); err != nil {
		return err
	}
	raw, err := core.ReadBoxedFrame(conn)
	if err != nil {
		return err
	}
	resp, err := core.DecodeControlResponse(raw)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\n", resp.Status)
	return nil
}

func decodeHexFixed(s string, want int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != want {
		return nil, fmt.Errorf("agentctl: expected %d bytes, got %d", want, len(b))
	}
	return b, nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func parseVerb(s string) (core.Verb, error) {
	verb, ok := core.VerbByName(s)
	if !ok {
		return 0, fmt.Errorf("agentctl: unknown verb %q", s)
	}
	return verb, nil
}
