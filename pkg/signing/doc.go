// Package signing provides the signing mechanisms used to produce SAS token
// signatures.
//
// A Mechanism turns the canonical string-to-sign into a base64 encoded
// signature. SymmetricKey implements the HMAC-SHA256 scheme used with a
// shared access key; Func adapts any function (for example an HSM or a remote
// signing service) to the interface.
package signing
