package gmail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gmail-bridge/internal/bridge/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

const revokeURL = "https://oauth2.googleapis.com/revoke"

// Scopes requested during consent. All of them must be granted.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailComposeScope,
	gmail.GmailSendScope,
}

func (s *Service) oauthConfig() *oauth2.Config {
	redirect := s.redirectURI
	if redirect == "" {
		redirect = "urn:ietf:wg:oauth:2.0:oob"
	}
	return &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		RedirectURL:  redirect,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// ConsentURL is the page the user opens to grant the bridge access.
func (s *Service) ConsentURL(state string) string {
	return s.oauthConfig().AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange redeems the code pasted by the user.
func (s *Service) Exchange(ctx context.Context, code string) (*domain.Credential, string, error) {
	token, err := s.oauthConfig().Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, "", classify("exchange authorization code", err)
	}

	granted := grantedScopes(token)
	if granted != nil {
		for _, scope := range Scopes {
			if !contains(granted, scope) {
				return nil, "", fmt.Errorf("%w: scope %s was not granted", domain.ErrCredential, scope)
			}
		}
	}
	if token.RefreshToken == "" {
		return nil, "", fmt.Errorf("%w: no refresh token returned, revoke the app in your Google account and retry", domain.ErrCredential)
	}

	cred := credentialFromToken(token, granted)
	client, err := s.ForAccount(ctx, cred, nil)
	if err != nil {
		return nil, "", err
	}
	profile, err := client.Profile(ctx)
	if err != nil {
		return nil, "", err
	}
	return cred, profile.EmailAddress, nil
}

// Refresh trades the refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, cred *domain.Credential) (*domain.Credential, error) {
	expired := tokenFromCredential(cred)
	expired.Expiry = time.Now().Add(-time.Minute)
	token, err := s.oauthConfig().TokenSource(ctx, expired).Token()
	if err != nil {
		return nil, classify("refresh token", err)
	}
	fresh := credentialFromToken(token, cred.Scopes)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	return fresh, nil
}

// Revoke invalidates the refresh token at Google.
func (s *Service) Revoke(ctx context.Context, cred *domain.Credential) error {
	if cred == nil {
		return nil
	}
	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return classify("revoke token", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unable to revoke token: status %d", resp.StatusCode)
	}
	return nil
}

func grantedScopes(token *oauth2.Token) []string {
	raw, ok := token.Extra("scope").(string)
	if !ok || raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func tokenFromCredential(cred *domain.Credential) *oauth2.Token {
	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    tokenType,
		Expiry:       cred.Expiry,
	}
}

func credentialFromToken(token *oauth2.Token, scopes []string) *domain.Credential {
	return &domain.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry.UTC(),
		Scopes:       scopes,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
