package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/peerproof/referral-registry/api"
	"github.com/peerproof/referral-registry/api/clients"
	"github.com/peerproof/referral-registry/cmd/flags"
	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/issuer"
)

var flagKey = &cli.StringFlag{
	Name:    "key",
	EnvVars: []string{"PEERPROOF_ISSUER_KEY"},
	Usage:   "hex-encoded secp256k1 private key of the issuer or admin",
}
var flagSeed = &cli.StringFlag{
	Name:    "seed",
	EnvVars: []string{"PEERPROOF_ISSUER_SEED"},
	Usage:   "hex-encoded seed to derive the key from instead of --key",
}
var flagLabel = &cli.StringFlag{
	Name:  "label",
	Value: "issuer",
	Usage: "derivation label used with --seed",
}
var flagReferrer = &cli.StringFlag{
	Name:     "referrer",
	Required: true,
	Usage:    "referrer address",
}
var flagReferee = &cli.StringFlag{
	Name:     "referee",
	Required: true,
	Usage:    "referee address",
}
var flagNonce = &cli.StringFlag{
	Name:     "nonce",
	Required: true,
	Usage:    "decimal attestation nonce",
}
var flagIssuedAt = &cli.Int64Flag{
	Name:  "issued-at",
	Usage: "unix time of issuance, defaults to now",
}
var flagOut = &cli.StringFlag{
	Name:  "out",
	Usage: "write the binary envelope to this file instead of printing JSON",
}
var flagEnvelope = &cli.StringFlag{
	Name:  "envelope",
	Usage: "submit a binary envelope file produced by 'sign --out'",
}
var flagRecordID = &cli.StringFlag{
	Name:     "id",
	Required: true,
	Usage:    "record id (0x-prefixed hex)",
}
var flagReason = &cli.StringFlag{
	Name:  "reason",
	Usage: "revocation reason",
}
var flagNewIssuer = &cli.StringFlag{
	Name:     "new-issuer",
	Required: true,
	Usage:    "address of the incoming issuer",
}
var flagEffectiveAt = &cli.Int64Flag{
	Name:  "effective-at",
	Usage: "unix time the rotation takes effect, defaults to now",
}
var flagCursor = &cli.StringFlag{
	Name:  "cursor",
	Usage: "continue listing from this cursor",
}
var flagLimit = &cli.IntFlag{
	Name:  "limit",
	Usage: "page size, 0 for the server default",
}
var flagAll = &cli.BoolFlag{
	Name:  "all",
	Usage: "follow cursors until every record is listed",
}

func main() {
	if err := flags.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "issuer",
		Usage: "Sign referral attestations and operate a referral registry",
		Flags: []cli.Flag{
			flags.ServerAddrFlag,
		},
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate a fresh issuer key, or derive one from --seed",
				Flags: []cli.Flag{flagSeed, flagLabel},
				Action: func(cCtx *cli.Context) error {
					var (
						s   *issuer.Signer
						err error
					)
					if seed := cCtx.String(flagSeed.Name); seed != "" {
						s, err = deriveSigner(seed, cCtx.String(flagLabel.Name))
					} else {
						s, err = issuer.NewSigner()
					}
					if err != nil {
						return err
					}
					return printJSON(map[string]string{
						"address": s.Address().String(),
						"key":     s.HexKey(),
					})
				},
			},
			{
				Name:  "address",
				Usage: "print the address of the configured key",
				Flags: []cli.Flag{flagKey, flagSeed, flagLabel},
				Action: func(cCtx *cli.Context) error {
					s, err := loadSigner(cCtx)
					if err != nil {
						return err
					}
					fmt.Println(s.Address().String())
					return nil
				},
			},
			{
				Name:  "sign",
				Usage: "sign an attestation without submitting it",
				Flags: []cli.Flag{flagKey, flagSeed, flagLabel, flagReferrer, flagReferee, flagNonce, flagIssuedAt, flagOut},
				Action: func(cCtx *cli.Context) error {
					att, err := issueFromFlags(cCtx)
					if err != nil {
						return err
					}
					if out := cCtx.String(flagOut.Name); out != "" {
						envelope, err := codec.MarshalEnvelope(att)
						if err != nil {
							return err
						}
						return os.WriteFile(out, envelope, 0o644)
					}
					return printJSON(api.NewAttestationRequest(att))
				},
			},
			{
				Name:  "submit",
				Usage: "sign and submit an attestation, or submit a stored envelope",
				Flags: []cli.Flag{
					flagKey, flagSeed, flagLabel, flagEnvelope, flagIssuedAt,
					&cli.StringFlag{Name: flagReferrer.Name, Usage: flagReferrer.Usage},
					&cli.StringFlag{Name: flagReferee.Name, Usage: flagReferee.Usage},
					&cli.StringFlag{Name: flagNonce.Name, Usage: flagNonce.Usage},
				},
				Action: func(cCtx *cli.Context) error {
					client := newClient(cCtx)
					if path := cCtx.String(flagEnvelope.Name); path != "" {
						envelope, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						rec, err := client.SubmitEnvelope(cCtx.Context, envelope)
						if err != nil {
							return err
						}
						return printJSON(rec)
					}

					att, err := issueFromFlags(cCtx)
					if err != nil {
						return err
					}
					rec, err := client.Submit(cCtx.Context, att)
					if err != nil {
						return err
					}
					return printJSON(rec)
				},
			},
			{
				Name:  "rotate",
				Usage: "hand the issuer role to a new address",
				Flags: []cli.Flag{flagKey, flagSeed, flagLabel, flagNewIssuer, flagEffectiveAt},
				Action: func(cCtx *cli.Context) error {
					s, err := loadSigner(cCtx)
					if err != nil {
						return err
					}
					newIssuer, err := interfaces.NewAddressFromHex(cCtx.String(flagNewIssuer.Name))
					if err != nil {
						return fmt.Errorf("invalid new issuer: %w", err)
					}
					client := newClient(cCtx)
					state, err := client.Issuer(cCtx.Context)
					if err != nil {
						return err
					}
					effectiveAt := time.Now().UTC().Truncate(time.Second)
					if ts := cCtx.Int64(flagEffectiveAt.Name); ts > 0 {
						effectiveAt = time.Unix(ts, 0).UTC()
					}
					req := api.RotateRequest{
						NewIssuer:   newIssuer,
						EffectiveAt: effectiveAt.Unix(),
						Epoch:       state.Epoch,
					}
					req.Signature, err = s.SignMessage(codec.RotationMessage(state.Rotation(newIssuer, effectiveAt)))
					if err != nil {
						return err
					}
					info, err := client.Rotate(cCtx.Context, req)
					if err != nil {
						return err
					}
					return printJSON(info)
				},
			},
			{
				Name:  "revoke",
				Usage: "revoke a confirmed record",
				Flags: []cli.Flag{flagKey, flagSeed, flagLabel, flagRecordID, flagReason},
				Action: func(cCtx *cli.Context) error {
					s, err := loadSigner(cCtx)
					if err != nil {
						return err
					}
					id, err := interfaces.NewRecordIDFromHex(cCtx.String(flagRecordID.Name))
					if err != nil {
						return err
					}
					client := newClient(cCtx)
					state, err := client.Issuer(cCtx.Context)
					if err != nil {
						return err
					}
					reason := cCtx.String(flagReason.Name)
					sig, err := s.SignMessage(codec.RevocationMessage(state.Deployment, id, reason))
					if err != nil {
						return err
					}
					rec, err := client.Revoke(cCtx.Context, id, api.RevokeRequest{Reason: reason, Signature: sig})
					if err != nil {
						return err
					}
					return printJSON(rec)
				},
			},
			{
				Name:  "get",
				Usage: "fetch a record and its audit log",
				Flags: []cli.Flag{flagRecordID},
				Action: func(cCtx *cli.Context) error {
					id, err := interfaces.NewRecordIDFromHex(cCtx.String(flagRecordID.Name))
					if err != nil {
						return err
					}
					client := newClient(cCtx)
					rec, err := client.Get(cCtx.Context, id)
					if err != nil {
						return err
					}
					audit, err := client.AuditLog(cCtx.Context, id)
					if err != nil {
						return err
					}
					return printJSON(struct {
						Record *api.RecordResponse     `json:"record"`
						Audit  []interfaces.AuditEntry `json:"audit"`
					}{rec, audit})
				},
			},
			{
				Name:  "list",
				Usage: "list the records of a referrer in recording order",
				Flags: []cli.Flag{flagReferrer, flagCursor, flagLimit, flagAll},
				Action: func(cCtx *cli.Context) error {
					referrer, err := interfaces.NewAddressFromHex(cCtx.String(flagReferrer.Name))
					if err != nil {
						return err
					}
					client := newClient(cCtx)
					cursor := cCtx.String(flagCursor.Name)
					for {
						page, err := client.ListByReferrer(cCtx.Context, referrer, cursor, cCtx.Int(flagLimit.Name))
						if err != nil {
							return err
						}
						if err := printJSON(page); err != nil {
							return err
						}
						if !cCtx.Bool(flagAll.Name) || page.Next == "" {
							return nil
						}
						cursor = page.Next
					}
				},
			},
			{
				Name:  "issuer",
				Usage: "show the current issuer and rotation history",
				Action: func(cCtx *cli.Context) error {
					info, err := newClient(cCtx).Issuer(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(info)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context) api.RegistryAPI {
	return clients.NewRegistryClient(cCtx.String(flags.ServerAddrFlag.Name))
}

func deriveSigner(seedHex, label string) (*issuer.Signer, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return issuer.DeriveSigner(seed, label)
}

func loadSigner(cCtx *cli.Context) (*issuer.Signer, error) {
	if key := cCtx.String(flagKey.Name); key != "" {
		return issuer.SignerFromHex(key)
	}
	if seed := cCtx.String(flagSeed.Name); seed != "" {
		return deriveSigner(seed, cCtx.String(flagLabel.Name))
	}
	return nil, errors.New("one of --key or --seed is required")
}

func issueFromFlags(cCtx *cli.Context) (interfaces.Attestation, error) {
	s, err := loadSigner(cCtx)
	if err != nil {
		return interfaces.Attestation{}, err
	}
	referrer, err := interfaces.NewAddressFromHex(cCtx.String(flagReferrer.Name))
	if err != nil {
		return interfaces.Attestation{}, fmt.Errorf("invalid referrer: %w", err)
	}
	referee, err := interfaces.NewAddressFromHex(cCtx.String(flagReferee.Name))
	if err != nil {
		return interfaces.Attestation{}, fmt.Errorf("invalid referee: %w", err)
	}
	nonce, ok := new(big.Int).SetString(cCtx.String(flagNonce.Name), 10)
	if !ok {
		return interfaces.Attestation{}, fmt.Errorf("invalid nonce %q", cCtx.String(flagNonce.Name))
	}
	issuedAt := time.Now().UTC().Truncate(time.Second)
	if ts := cCtx.Int64(flagIssuedAt.Name); ts > 0 {
		issuedAt = time.Unix(ts, 0).UTC()
	}
	return s.Issue(referrer, referee, nonce, issuedAt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
