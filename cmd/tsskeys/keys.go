// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/canonical/go-tss"
)

var keyUsageNames = map[tss.KeyUsage]string{
	tss.KeyUsageSigning:    "signing",
	tss.KeyUsageStorage:    "storage",
	tss.KeyUsageIdentity:   "identity",
	tss.KeyUsageAuthChange: "authchange",
	tss.KeyUsageBind:       "bind",
	tss.KeyUsageLegacy:     "legacy",
	tss.KeyUsageMigrate:    "migrate",
}

func keyUsageString(u tss.KeyUsage) string {
	if name, ok := keyUsageNames[u]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(u))
}

func printKeyInfo(w io.Writer, info *tss.KeyInfo) {
	parent := "-"
	if info.ParentUUID != uuid.Nil {
		parent = fmt.Sprintf("%v:%v", info.ParentLocation, info.ParentUUID)
	}
	var flags string
	if info.Flags&tss.KeyFlagMigratable != 0 {
		flags += " migratable"
	}
	if info.Flags&tss.KeyFlagMigrateAuthority != 0 {
		flags += " cmk"
	}
	if info.AuthUsage == tss.AuthNever {
		flags += " noauth"
	}
	fmt.Fprintf(w, "%v:%v parent=%s usage=%s%s\n", info.Location, info.UUID, parent, keyUsageString(info.Usage), flags)
}

func location(cmd *cobra.Command) tss.PSLocation {
	if system, _ := cmd.Flags().GetBool("system"); system {
		return tss.PSLocationSystem
	}
	return tss.PSLocationUser
}

func parseUUID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID %q: %w", arg, err)
	}
	return id, nil
}

// withContext runs fn with a context, and reports any failure to close it.
func (o *options) withContext(cmd *cobra.Command, online bool, fn func(ctx *tss.Context) error) error {
	ctx, err := o.openContext(cmd, online)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if err := fn(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := ctx.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("cannot close context: %w", err))
	}
	if result == nil {
		return nil
	}
	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return result
}

func newListCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List registered keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fc, err := o.fileConfig()
			if err != nil {
				return err
			}
			system, _ := cmd.Flags().GetBool("system")
			user, _ := cmd.Flags().GetBool("user")
			if !system && !user {
				system = fc.SystemPSFile != ""
				user = fc.UserPSFile != ""
			}

			var locations []tss.PSLocation
			if system {
				locations = append(locations, tss.PSLocationSystem)
			}
			if user {
				locations = append(locations, tss.PSLocationUser)
			}

			return o.withContext(cmd, false, func(ctx *tss.Context) error {
				for _, l := range locations {
					keys, err := ctx.GetRegisteredKeys(l)
					if err != nil {
						return err
					}
					for i := range keys {
						printKeyInfo(cmd.OutOrStdout(), &keys[i])
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("system", false, "List keys in system storage")
	cmd.Flags().Bool("user", false, "List keys in user storage")
	return cmd
}

func newShowCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Show a registered key and its ancestors",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}
			return o.withContext(cmd, false, func(ctx *tss.Context) error {
				keys, err := ctx.GetRegisteredKeysByUUID(location(cmd), id)
				if err != nil {
					return err
				}
				for i := range keys {
					printKeyInfo(cmd.OutOrStdout(), &keys[i])
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("system", false, "The key is in system storage")
	return cmd
}

func newUnregisterCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove a key from persistent storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}
			return o.withContext(cmd, false, func(ctx *tss.Context) error {
				if err := ctx.UnregisterKey(location(cmd), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unregistered %v:%v\n", location(cmd), id)
				return nil
			})
		},
	}
	cmd.Flags().Bool("system", false, "The key is in system storage")
	return cmd
}

func newLoadCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Load a registered key and its ancestors into the TPM and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID(args[0])
			if err != nil {
				return err
			}
			srkSecret, _ := cmd.Flags().GetString("srk-secret")

			return o.withContext(cmd, true, func(ctx *tss.Context) error {
				srkPolicy, err := ctx.CreatePolicy(tss.PolicyTypeUsage)
				if err != nil {
					return err
				}
				if srkSecret == "" {
					err = srkPolicy.SetSecret(tss.SecretModeSHA1, tss.WellKnownSecret[:])
				} else {
					err = srkPolicy.SetSecret(tss.SecretModePlain, []byte(srkSecret))
				}
				if err != nil {
					return err
				}
				if err := srkPolicy.AssignTo(ctx.SRK()); err != nil {
					return err
				}

				k, err := ctx.LoadKeyByUUID(location(cmd), id)
				if err != nil {
					return err
				}
				pub, err := k.PublicKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %v:%v\nmodulus (%d bits): %x\n", location(cmd), id, pub.N.BitLen(), pub.N.Bytes())
				return nil
			})
		},
	}
	cmd.Flags().Bool("system", false, "The key is in system storage")
	cmd.Flags().String("srk-secret", "", "The SRK usage secret. The well known secret is used if this is empty")
	return cmd
}
