// Command aizily はAIZILYの認証・アカウント作成APIをローカルで提供する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/aizily/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "aizily: %v\n", err)
		os.Exit(1)
	}
}
