package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kalamche.app/gateway/internal/config"
)

// normalizer maps a user-info document, plus the optional secondary
// document, onto a FederatedIdentity.
type normalizer func(profile map[string]any, other any) (FederatedIdentity, error)

var errNoEmail = errors.New("provider returned no usable email")

func normalizerFor(name string) normalizer {
	switch name {
	case config.ProviderGitHub:
		return normalizeGitHub
	case config.ProviderDiscord:
		return normalizeDiscord
	default:
		return normalizeGeneric
	}
}

func normalizeGitHub(profile map[string]any, other any) (FederatedIdentity, error) {
	id := FederatedIdentity{
		ProviderUserID: stringValue(profile["id"]),
		Email:          stringValue(profile["email"]),
		DisplayName:    firstNonEmpty(stringValue(profile["name"]), stringValue(profile["login"])),
		AvatarURL:      stringValue(profile["avatar_url"]),
	}
	if emails, ok := other.([]any); ok {
		if primary := primaryEmail(emails); primary != "" {
			id.Email = primary
		}
	}
	return id, check(id)
}

// primaryEmail picks the primary verified address from GitHub's
// /user/emails listing, then any verified one.
func primaryEmail(emails []any) string {
	var fallback string
	for _, e := range emails {
		m, ok := e.(map[string]any)
		if !ok || m["verified"] != true {
			continue
		}
		addr := stringValue(m["email"])
		if m["primary"] == true {
			return addr
		}
		if fallback == "" {
			fallback = addr
		}
	}
	return fallback
}

func normalizeDiscord(profile map[string]any, _ any) (FederatedIdentity, error) {
	id := FederatedIdentity{
		ProviderUserID: stringValue(profile["id"]),
		DisplayName:    firstNonEmpty(stringValue(profile["global_name"]), stringValue(profile["username"])),
	}
	if profile["verified"] != false {
		id.Email = stringValue(profile["email"])
	}
	if hash := stringValue(profile["avatar"]); hash != "" && id.ProviderUserID != "" {
		id.AvatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", id.ProviderUserID, hash)
	}
	return id, check(id)
}

func normalizeGeneric(profile map[string]any, _ any) (FederatedIdentity, error) {
	id := FederatedIdentity{
		ProviderUserID: firstNonEmpty(stringValue(profile["sub"]), stringValue(profile["id"])),
		Email:          firstNonEmpty(stringValue(profile["email"]), stringValue(profile["mail"])),
		DisplayName:    firstNonEmpty(stringValue(profile["name"]), stringValue(profile["displayName"])),
		AvatarURL:      firstNonEmpty(stringValue(profile["picture"]), stringValue(profile["avatar_url"])),
	}
	return id, check(id)
}

func check(id FederatedIdentity) error {
	if id.ProviderUserID == "" {
		return errors.New("provider returned no user id")
	}
	if !strings.Contains(id.Email, "@") {
		return errNoEmail
	}
	return nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
