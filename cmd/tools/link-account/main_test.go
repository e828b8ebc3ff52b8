package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"relaycast/internal/config"
	"relaycast/internal/models"
	"relaycast/internal/storage"
	"relaycast/internal/testsupport/platformstub"
	"relaycast/internal/vault"
)

func TestLinkAccountStoresEncryptedCredentials(t *testing.T) {
	graph := platformstub.Start(platformstub.Options{
		AccountID:    "acct-9",
		AccountName:  "Studio",
		AccountToken: "long-lived",
		Pages: []platformstub.Page{
			{ID: "page-1", Name: "Morning Show", Token: "page-token-1"},
			{ID: "page-2", Name: "Evening Show", Token: "page-token-2"},
		},
	})
	t.Cleanup(graph.Close)

	storePath := filepath.Join(t.TempDir(), "store.json")
	cfg := &config.Config{
		Storage:  config.StorageConfig{Driver: "json", Path: storePath},
		Vault:    config.VaultConfig{Passphrase: "link-test", Salt: "relaycast"},
		Platform: config.PlatformConfig{BaseURL: graph.BaseURL(), APIVersion: "v19.0", MaxAttempts: 1},
		FFmpeg:   config.FFmpegConfig{Path: "ffmpeg"},
	}

	var out bytes.Buffer
	if err := linkAccount(context.Background(), cfg, "short-lived", &out); err != nil {
		t.Fatalf("linkAccount: %v", err)
	}
	for _, want := range []string{"Linked account Studio (acct-9)", "Synced 2 page(s)", "page-1\tMorning Show"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out.String())
		}
	}

	store, err := storage.NewStorage(storePath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	ctx := context.Background()
	cipher, err := vault.New("link-test", "relaycast")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	raw, ok, err := store.GetSetting(ctx, models.SettingAccountToken)
	if err != nil || !ok {
		t.Fatalf("expected stored account token, ok=%v err=%v", ok, err)
	}
	if strings.Contains(raw, "long-lived") {
		t.Fatal("account token stored in plaintext")
	}
	secret, err := vault.DecodeSecret(raw)
	if err != nil {
		t.Fatalf("DecodeSecret: %v", err)
	}
	if plain, err := cipher.Decrypt(secret); err != nil || plain != "long-lived" {
		t.Fatalf("expected decrypted account token, got %q err=%v", plain, err)
	}

	page, err := store.GetPage(ctx, "page-2")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if plain, err := cipher.Decrypt(page.Token); err != nil || plain != "page-token-2" {
		t.Fatalf("expected decrypted page token, got %q err=%v", plain, err)
	}
}

func TestLinkAccountRejectsEmptyToken(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: "json", Path: filepath.Join(t.TempDir(), "store.json")},
		Vault:   config.VaultConfig{Passphrase: "link-test", Salt: "relaycast"},
	}
	if err := linkAccount(context.Background(), cfg, " ", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for blank token")
	}
}
