// Command certpath validates X.509 certification paths.
//
// Usage:
//
//	certpath <command> [options] <args>
//
// Commands:
//
//	validate    Validate a certification path
//	crl import  Store CRLs in a bbolt database
//	crl list    List the CRLs in a database
//
// Examples:
//
//	# Validate a chain
//	certpath validate chain.pem --anchor root.pem
//
//	# Validate with revocation checking and a required policy
//	certpath validate chain.pem --anchor root.pem --crl root.crl --revocation --policy 1.3.6.1.4.1.55555.1.1 --explicit-policy
package main

import (
	"github.com/georgepadayatti/certpath/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/certpath
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Main()
}
