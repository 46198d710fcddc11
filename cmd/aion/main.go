// Command aion records persona work as reversible micro-commits and
// tracks control handovers between personas.
package main

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	Execute()
}
