package app

import (
	"fmt"

	"github.com/hitoshi/ballotbox/internal/config"
	"github.com/hitoshi/ballotbox/internal/database"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandIA はIdentity Authorityのサーバーを起動する。
	CommandIA Command = "ia"
	// CommandPO はPoll Organizerのサーバーを起動する。
	CommandPO Command = "po"
	// CommandWorker は投票の自動開閉とセッション削除のワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Role はコマンドが読み込む設定の役割を返す。
func (c Command) Role() config.Role {
	switch c {
	case CommandIA:
		return config.RoleIA
	case CommandPO:
		return config.RolePO
	case CommandWorker:
		return config.RoleWorker
	default:
		return config.RoleMigrate
	}
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はエラーを返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("command is required (ia, po, worker, migrate, healthcheck)")
	}

	switch cmd := Command(args[0]); cmd {
	case CommandIA, CommandPO, CommandWorker, CommandMigrate, CommandHealthcheck:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown command: %q", args[0])
	}
}

// parseMigrationSets は migrate の引数から適用する系統を返す。省略時は全系統。
func parseMigrationSets(args []string) ([]database.MigrationSet, error) {
	if len(args) == 0 {
		return database.AllMigrationSets, nil
	}
	sets := make([]database.MigrationSet, 0, len(args))
	for _, a := range args {
		set, err := database.ParseMigrationSet(a)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}
