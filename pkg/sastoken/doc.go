// Package sastoken builds, parses and renews Shared Access Signature tokens.
//
// A SAS token has the form
//
//	SharedAccessSignature sr={url-encoded uri}&sig={url-encoded signature}&se={expiry}
//
// where the signature covers url-encoded uri + "\n" + expiry. Generators
// produce tokens either by signing locally (SigningGenerator) or by calling a
// user supplied function (ExternalGenerator).
//
// A Provider owns the current token and renews it in the background before it
// expires:
//
//	gen := sastoken.NewSigningGenerator(uri, key, time.Hour)
//	p, err := sastoken.NewProvider(ctx, gen)
//	...
//	tok := p.Current()          // never blocks
//	tok, err = p.WaitForNew(ctx) // blocks until the next renewal
//	p.Shutdown(ctx)
package sastoken
