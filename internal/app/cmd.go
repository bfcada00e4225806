package app

import (
	"fmt"
	"io"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck" // distroless環境でのDockerヘルスチェック用
	CommandHelp        Command = "help"
)

var commandDescriptions = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "HTTP APIとwebsocketを提供する（既定）"},
	{CommandWorker, "期限切れセッションと終了済みVibeを定期的に掃除する"},
	{CommandMigrate, "マイグレーションを適用する（migrate down [N] / migrate version）"},
	{CommandHealthcheck, "ローカルの/healthを確認する"},
	{CommandHelp, "この一覧を表示する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, d := range commandDescriptions {
		if string(d.cmd) == args[0] {
			return d.cmd
		}
	}
	return CommandServe
}

// WriteUsage はサブコマンドの一覧を書き込む。
func WriteUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: vibex [command]")
	for _, d := range commandDescriptions {
		fmt.Fprintf(w, "  %-12s %s\n", d.cmd, d.desc)
	}
}

// MigrateAction はmigrateサブコマンドの動作。
type MigrateAction struct {
	Kind  string // "up", "down", "version"
	Steps int    // downで戻す件数
}

// ParseMigrateAction はmigrate以降の引数を解析する。
// 引数なしはup、downの件数省略は1件とする。
func ParseMigrateAction(args []string) (MigrateAction, error) {
	if len(args) == 0 {
		return MigrateAction{Kind: "up"}, nil
	}
	switch args[0] {
	case "up", "version":
		return MigrateAction{Kind: args[0]}, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return MigrateAction{}, fmt.Errorf("invalid step count: %q", args[1])
			}
			steps = n
		}
		return MigrateAction{Kind: "down", Steps: steps}, nil
	default:
		return MigrateAction{}, fmt.Errorf("unknown migrate action: %q", args[0])
	}
}
