// Command agpoold runs the OAuth account pool and request router for
// the Code Assist proxy.
package main

import "github.com/agpool/agpool/internal/cli"

func main() {
	cli.Execute()
}
