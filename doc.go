/*
Package tss implements a client for communicating with TPM 1.2 devices, in the style of the TCG Software Stack (TSS) 1.2.

This documentation refers to TPM commands and types that are described in more detail in the TPM 1.2 Main Specification and the
TSS 1.2 specification, which can be found at https://trustedcomputinggroup.org/. Knowledge of these specifications is assumed in
this documentation.

Communication with Linux TPM character devices, remote TPM simulators and the in-process simulator in the simulator package is
supported. The core type by which consumers of this package communicate with a TPM is Context.

Quick start

In order to create a new Context that can be used to communicate with a Linux TPM character device:
 transport, err := linux.OpenDevice("/dev/tpm0")
 if err != nil {
	 return err
 }
 ctx, err := tss.NewContext(transport, nil)
 if err != nil {
	 return err
 }
 defer ctx.Close()

In order to create a storage key under the SRK and register it in the system persistent storage:
 srkPolicy, _ := ctx.CreatePolicy(tss.PolicyTypeUsage)
 srkPolicy.SetSecret(tss.SecretModeSHA1, make([]byte, 20))
 srkPolicy.AssignTo(ctx.SRK())

 key, _ := ctx.CreateKey(tss.KeyInitTypeStorage | tss.KeyInitSize2048)
 keyPolicy, _ := ctx.CreatePolicy(tss.PolicyTypeUsage)
 keyPolicy.SetSecret(tss.SecretModePlain, []byte("passphrase"))
 keyPolicy.AssignTo(key)

 if err := key.Create(ctx.SRK(), nil); err != nil {
	 return err
 }
 id := uuid.New()
 if err := ctx.RegisterKey(key, tss.PSLocationSystem, id, tss.PSLocationSystem, tss.SRKUUID); err != nil {
	 return err
 }

Objects

Everything that is created through a Context is an Object: keys, policies, sealed and bound data, PCR composites, hashes, NV
spaces, delegation families and migration data. Objects are configured with attributes and are closed with their Close method or
when the Context is closed. A policy holds the secret that authorizes commands for the objects that it is assigned to.

Authorization

Commands are authorized with OIAP, OSAP or DSAP sessions that are created on demand from the secrets held by policies, and are
flushed after each command. Sessions that should be reused across commands can be created with Context.StartAuthSession. New
authorization values are always encrypted with the shared secret of an OSAP session on their way to the TPM.

Keys are loaded on demand when they are used, and the least recently used keys are evicted when the TPM runs out of key slots.
*/
package tss
