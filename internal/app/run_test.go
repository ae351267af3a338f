package app

import (
	"bytes"
	"testing"
)

// TestRun_ServeCommand_FailsWithoutDatabase はDBに接続できない場合にserveがエラーで終了することを検証する。
func TestRun_ServeCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)
	t.Setenv("SESSION_STORE_DRIVER", "memory")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run(serve) should fail when the database is unreachable")
	}
}

func TestRun_MigrateCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err == nil {
		t.Fatal("Run(migrate) should fail when the database is unreachable")
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("IDENTITY_URL", "")
	t.Setenv("IDENTITY_API_KEY", "")
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_HealthcheckCommand_SkipsConfig(t *testing.T) {
	// 必須環境変数がなくても設定エラーにはならず、接続エラーになる
	t.Setenv("IDENTITY_URL", "")
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "1")

	var buf bytes.Buffer
	err := Run(&buf, []string{"healthcheck"})
	if err == nil {
		t.Fatal("healthcheck against a closed port should fail")
	}
	if buf.Len() != 0 {
		t.Errorf("healthcheck should not initialize logging, got %s", buf.String())
	}
}
