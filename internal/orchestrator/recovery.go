package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaycast/internal/models"
	"relaycast/internal/platform"
	"relaycast/internal/vault"
)

const refreshKey = "pages"

// withPageToken runs call with the stored credential for pageID. When the
// call fails with a credential error, every page credential is refreshed
// from the account token and call is retried exactly once. If recovery is
// impossible or the retry fails, the original error is returned.
func (s *Service) withPageToken(ctx context.Context, pageID, operation string, call func(token string) error) error {
	token, err := s.pageToken(ctx, pageID)
	if err != nil {
		return err
	}
	original := call(token)
	if original == nil {
		return nil
	}
	if !platform.IsCredentialError(original) {
		return original
	}

	logger := s.logger.With("page_id", pageID, "operation", operation)
	logger.Warn("credential rejected, refreshing page tokens", "category", platform.Classify(original), "error", original)
	refreshed, err := s.refreshPageTokens(ctx)
	if err != nil {
		logger.Error("credential refresh failed", "error", err)
		return original
	}
	fresh, ok := refreshed[pageID]
	if !ok {
		logger.Error("page missing from refreshed credentials")
		return original
	}
	if err := call(fresh); err != nil {
		logger.Error("retry with refreshed credential failed", "error", err)
		return original
	}
	logger.Info("call succeeded with refreshed credential")
	return nil
}

func (s *Service) pageToken(ctx context.Context, pageID string) (string, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return "", fmt.Errorf("load destination %s: %w", pageID, err)
	}
	token, err := s.cipher.Decrypt(page.Token)
	if err != nil {
		return "", fmt.Errorf("decrypt credential for %s: %w", pageID, err)
	}
	return token, nil
}

// refreshPageTokens fetches every page credential with the account token and
// persists them re-encrypted in one batch. Concurrent callers share a single
// refresh.
func (s *Service) refreshPageTokens(ctx context.Context) (map[string]string, error) {
	v, err, _ := s.refresh.Do(refreshKey, func() (interface{}, error) {
		tokens, err := s.syncPages(ctx)
		switch {
		case errors.Is(err, platform.ErrAccountTokenMissing):
			s.metrics.ObserveCredentialRefresh("missing_account")
		case err != nil:
			s.metrics.ObserveCredentialRefresh("failed")
		default:
			s.metrics.ObserveCredentialRefresh("success")
		}
		return tokens, err
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (s *Service) syncPages(ctx context.Context) (map[string]string, error) {
	accountToken, err := s.accountToken(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := s.platform.ListPages(ctx, accountToken)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	now := s.now()
	tokens := make(map[string]string, len(remote))
	pages := make([]models.Page, 0, len(remote))
	for _, p := range remote {
		if strings.TrimSpace(p.ID) == "" || p.AccessToken == "" {
			continue
		}
		secret, err := s.cipher.Encrypt(p.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt credential for %s: %w", p.ID, err)
		}
		pages = append(pages, models.Page{ID: p.ID, Name: p.Name, Category: p.Category, Token: secret, UpdatedAt: now})
		tokens[p.ID] = p.AccessToken
	}
	if err := s.store.UpsertPages(ctx, pages); err != nil {
		return nil, fmt.Errorf("persist pages: %w", err)
	}
	s.logger.Info("page credentials refreshed", "pages", len(pages))
	return tokens, nil
}

func (s *Service) accountToken(ctx context.Context) (string, error) {
	raw, ok, err := s.store.GetSetting(ctx, models.SettingAccountToken)
	if err != nil {
		return "", fmt.Errorf("load account token: %w", err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return "", platform.ErrAccountTokenMissing
	}
	secret, err := vault.DecodeSecret(raw)
	if err != nil {
		return "", fmt.Errorf("decode account token: %w", err)
	}
	token, err := s.cipher.Decrypt(secret)
	if err != nil {
		return "", fmt.Errorf("decrypt account token: %w", err)
	}
	return token, nil
}

// LinkAccount exchanges a short-lived user token for a long-lived one,
// stores it encrypted, and syncs the account's pages.
func (s *Service) LinkAccount(ctx context.Context, shortLived string) (platform.Account, []models.Page, error) {
	if strings.TrimSpace(shortLived) == "" {
		return platform.Account{}, nil, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	long, err := s.platform.ExchangeToken(ctx, shortLived)
	if err != nil {
		return platform.Account{}, nil, fmt.Errorf("exchange token: %w", err)
	}
	account, err := s.platform.AccountID(ctx, long.AccessToken)
	if err != nil {
		return platform.Account{}, nil, fmt.Errorf("resolve account: %w", err)
	}
	secret, err := s.cipher.Encrypt(long.AccessToken)
	if err != nil {
		return platform.Account{}, nil, fmt.Errorf("encrypt account token: %w", err)
	}
	encoded, err := vault.EncodeSecret(secret)
	if err != nil {
		return platform.Account{}, nil, err
	}
	if err := s.store.SetSetting(ctx, models.SettingAccountToken, encoded); err != nil {
		return platform.Account{}, nil, fmt.Errorf("store account token: %w", err)
	}
	if err := s.store.SetSetting(ctx, models.SettingAccountID, account.ID); err != nil {
		return platform.Account{}, nil, fmt.Errorf("store account id: %w", err)
	}
	s.logger.Info("account linked", "account_id", account.ID)
	pages, err := s.SyncPages(ctx)
	if err != nil {
		return account, nil, err
	}
	return account, pages, nil
}

// SyncPages refreshes every page credential from the stored account token.
func (s *Service) SyncPages(ctx context.Context) ([]models.Page, error) {
	if _, err := s.refreshPageTokens(ctx); err != nil {
		return nil, err
	}
	return s.store.ListPages(ctx)
}

// PageDetails fetches the destination's public fields with its stored
// credential. A changed name or category is written back to the page row.
func (s *Service) PageDetails(ctx context.Context, pageID string) (platform.PageDetails, error) {
	if _, err := s.store.GetPage(ctx, pageID); err != nil {
		return platform.PageDetails{}, err
	}
	var details platform.PageDetails
	err := s.withPageToken(ctx, pageID, "page_details", func(token string) error {
		var callErr error
		details, callErr = s.platform.PageDetails(ctx, pageID, token)
		return callErr
	})
	if err != nil {
		return platform.PageDetails{}, fmt.Errorf("page details: %w", err)
	}

	// Reload: a credential refresh inside withPageToken may have replaced the token.
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return details, nil
	}
	changed := false
	if name := strings.TrimSpace(details.Name); name != "" && name != page.Name {
		page.Name, changed = name, true
	}
	if category := strings.TrimSpace(details.Category); category != "" && category != page.Category {
		page.Category, changed = category, true
	}
	if changed {
		if err := s.store.UpsertPages(ctx, []models.Page{page}); err != nil {
			s.logger.Warn("persist page details", "page_id", pageID, "error", err)
		} else {
			s.logger.Info("page details updated", "page_id", pageID, "name", page.Name, "category", page.Category)
		}
	}
	return details, nil
}
