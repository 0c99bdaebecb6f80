package builder

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims carried by the platform credential.
// the token is issued and verified by the platform; this client only
// needs the routing ids out of it
type ByJwt struct {
	UserId      Id
	AccountName string
	WorkspaceId Id
	ClientId    Id
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if accountName, ok := claims["account_name"].(string); ok {
		byJwt.AccountName = accountName
	}
	if workspaceIdStr, ok := claims["workspace_id"].(string); ok {
		if workspaceId, err := ParseId(workspaceIdStr); err == nil {
			byJwt.WorkspaceId = workspaceId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}
