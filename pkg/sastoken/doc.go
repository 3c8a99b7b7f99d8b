// Package sastoken implements Shared Access Signature (SAS) credentials for
// the hub and the provisioning service.
//
// A Token is an immutable parsed credential string. A Generator produces
// fresh tokens, either by signing the resource URI with a Signer (usually a
// SymmetricKeySigner holding the device's shared access key) or by calling
// out to user code. A Provider holds the current token and renews it in the
// background shortly before it expires:
//
//	signer, err := sastoken.NewSymmetricKeySigner(key)
//	gen := sastoken.NewSigningGenerator(signer, uri, time.Hour)
//	p := sastoken.NewProvider(gen, sastoken.DefaultProviderConfig())
//	if err := p.Start(ctx); err != nil { ... }
//	defer p.Stop()
//
//	tok, _ := p.Current()
//	mqttPassword := tok.String()
package sastoken
