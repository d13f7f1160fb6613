package handlers

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/amirphl/Kotodama/app/dto"
	"github.com/amirphl/Kotodama/app/middleware"
	"github.com/amirphl/Kotodama/app/services"
	"github.com/gofiber/fiber/v3"
)

// AuthHandler rotates and revokes operator tokens. Tokens are minted by the identity
// layer; this handler never sees credentials.
type AuthHandler struct {
	baseHandler
	tokenService   services.TokenService
	accessTokenTTL time.Duration
}

func NewAuthHandler(tokenService services.TokenService, accessTokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		baseHandler:    newBaseHandler(),
		tokenService:   tokenService,
		accessTokenTTL: accessTokenTTL,
	}
}

// Refresh rotates a refresh token. The presented token is revoked.
// @Summary Refresh Token
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body dto.RefreshTokenRequest true "Refresh token"
// @Success 200 {object} dto.APIResponse{data=dto.TokenPairResponse}
// @Failure 401 {object} dto.APIResponse "Refresh token expired, revoked or invalid"
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var req dto.RefreshTokenRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	access, refresh, err := h.tokenService.RefreshToken(req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTokenExpired):
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Refresh token has expired", "TOKEN_EXPIRED", nil)
		case errors.Is(err, services.ErrTokenRevoked):
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Refresh token has been revoked", "TOKEN_REVOKED", nil)
		default:
			log.Printf("refresh rejected: %v", err)
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid refresh token", "TOKEN_INVALID", nil)
		}
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Token refreshed", dto.TokenPairResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(h.accessTokenTTL.Seconds()),
	})
}

// Logout revokes the bearer access token and, when given, the operator's refresh token
// @Summary Logout
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body dto.LogoutRequest false "Refresh token to revoke"
// @Success 200 {object} dto.APIResponse
// @Failure 400 {object} dto.APIResponse "Refresh token does not belong to the operator"
// @Failure 401 {object} dto.APIResponse "Unauthorized"
// @Security BearerAuth
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	claims, ok := middleware.GetTokenClaimsFromContext(c)
	if !ok {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Authentication required", "UNAUTHORIZED", nil)
	}

	var req dto.LogoutRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}

	if req.RefreshToken != "" {
		refresh, err := h.tokenService.ValidateToken(req.RefreshToken)
		switch {
		case errors.Is(err, services.ErrTokenRevoked), errors.Is(err, services.ErrTokenExpired):
			// already unusable
		case err != nil, refresh.TokenType != "refresh", refresh.OperatorID != claims.OperatorID:
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid refresh token", "INVALID_REFRESH_TOKEN", nil)
		default:
			if err := h.tokenService.RevokeToken(req.RefreshToken); err != nil {
				return h.ErrorResponse(c, fiber.StatusInternalServerError, "Logout failed", "LOGOUT_FAILED", nil)
			}
		}
	}

	access := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if err := h.tokenService.RevokeToken(access); err != nil {
		log.Printf("logout: revoke access token %s: %v", claims.TokenID, err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Logout failed", "LOGOUT_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Logged out", fiber.Map{"operator_id": claims.OperatorID})
}
