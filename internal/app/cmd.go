package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTP APIと同期ワーカーを起動するモード。
	CommandServe Command = "serve"
	// CommandMigrate はリモートストアのマイグレーションを実行するモード。
	CommandMigrate Command = "migrate"
	// CommandFlush は保留キューを1回だけ再送して終了するモード。
	CommandFlush Command = "flush"
	// CommandCleanup は失効済み認証トークンを削除して終了するモード。
	CommandCleanup Command = "cleanup"
	// CommandHealthcheck はヘルスチェックを実行するモード（distroless環境のDocker HEALTHCHECK用）。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空または不明なサブコマンドの場合はserveをデフォルトとする。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandServe:
		return CommandServe
	case CommandMigrate:
		return CommandMigrate
	case CommandFlush:
		return CommandFlush
	case CommandCleanup:
		return CommandCleanup
	case CommandHealthcheck:
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
