// vibex はVibe（位置情報つきの短時間イベント）のチェックインと
// リアルタイム同期を提供するサーバー。
//
//	vibex [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/vibex/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vibex: %v\n", err)
		os.Exit(1)
	}
}
