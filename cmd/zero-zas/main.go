package main

import "github.com/gematik/zero-authz/cmd/zero-zas/cmd"

func main() {
	cmd.Execute()
}
