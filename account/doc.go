// Package account implements the account directory: local account
// identities (create, login, delete) backed by encrypted key storage,
// and remote recipient lookups against the key server that resolve
// asynchronously through the promise registry.
//
// Creating an account is destructive: any key material previously
// stored under the same name is wiped first. Deleting an account purges
// its local key material irreversibly.
package account
