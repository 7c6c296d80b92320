package uma

import (
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/gematik/zero-authz/pkg/oauth2server"
)

// Configuration is the UMA 2.0 discovery document served at
// /.well-known/uma2-configuration.
type Configuration struct {
	oauth2server.Metadata
	PermissionEndpoint string `json:"permission_endpoint"`
}

func NewConfiguration(meta *oauth2server.Metadata, permissionEndpoint string) *Configuration {
	c := &Configuration{Metadata: *meta, PermissionEndpoint: permissionEndpoint}
	c.GrantTypesSupported = append(append([]string(nil), meta.GrantTypesSupported...), oauth2.GrantTypeUMATicket)
	return c
}
