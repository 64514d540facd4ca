package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hungrysocks/AnonPost/anonpost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("AP_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("AP_DATABASE")
		},
	)

	// mismatched first, then matching
	tokens := []string{"first", "second", "testtoken", "testtoken"}
	tokenIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if tokenIndex >= len(tokens) {
			return nil, fmt.Errorf("no more tokens")
		}
		token := tokens[tokenIndex]
		tokenIndex++
		return []byte(token), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	customPasswordReader = mockPasswordReader

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin token is not set. Let's set it up.")
	assert.Contains(t, output, "Enter admin token:")
	assert.Contains(t, output, "Confirm admin token:")
	assert.Contains(t, output, "Tokens do not match")
	assert.Contains(t, output, "Admin token set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&anonpost.AnonChannel{}))
	assert.True(t, mg.HasTable(&anonpost.Ban{}))
	assert.True(t, mg.HasTable(&anonpost.PostMapping{}))
	assert.True(t, mg.HasTable(&anonpost.InteractionLog{}))
	assert.True(t, mg.HasTable(&anonpost.AdminToken{}))

	hash, err := anonpost.NewStore(db, nil).AdminTokenHash(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, "testtoken", hash)

	valid, err := anonpost.VerifyToken(hash, "testtoken")
	assert.NoError(t, err)
	assert.True(t, valid)
}
