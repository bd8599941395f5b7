package middleware

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/printfarm/fleetd/internal/config"
)

const (
	cookieName    = "fleetd_auth"
	tokenDuration = 24 * time.Hour
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

// AuthMiddleware guards the API with a single bcrypt-hashed password from
// config. With no hash configured the API is open, matching a farm on a
// trusted LAN.
type AuthMiddleware struct {
	passwordHash string
	secret       []byte
	enabled      bool
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Enabled       bool `json:"enabled"`
	Authenticated bool `json:"authenticated"`
}

func NewAuthMiddleware(cfg config.AuthConfig) (*AuthMiddleware, error) {
	a := &AuthMiddleware{
		passwordHash: cfg.PasswordHash,
		enabled:      cfg.PasswordHash != "",
	}

	if cfg.TokenSecret != "" {
		a.secret = []byte(cfg.TokenSecret)
	} else if a.enabled {
		// No configured secret: generate one per process. Sessions don't
		// survive a restart, which is fine for a single-operator farm.
		a.secret = make([]byte, 32)
		if _, err := rand.Read(a.secret); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *AuthMiddleware) Enabled() bool { return a.enabled }

func (a *AuthMiddleware) generateToken() (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
			Issuer:    "fleetd",
		},
		Authenticated: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (a *AuthMiddleware) getTokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	if !a.enabled {
		c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Auth disabled"})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Success: false, Message: "Invalid request"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, LoginResponse{Success: false, Message: "Invalid password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Success: false, Message: "Failed to generate token"})
		return
	}

	c.SetCookie(cookieName, token, int(tokenDuration.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, LoginResponse{Success: true})
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	if !a.enabled {
		c.JSON(http.StatusOK, StatusResponse{Enabled: false, Authenticated: true})
		return
	}

	token := a.getTokenFromRequest(c)
	if token == "" {
		c.JSON(http.StatusOK, StatusResponse{Enabled: true, Authenticated: false})
		return
	}

	claims, err := a.validateToken(token)
	if err != nil {
		c.JSON(http.StatusOK, StatusResponse{Enabled: true, Authenticated: false})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Enabled: true, Authenticated: claims.Authenticated})
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Next()
			return
		}

		token := a.getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil || !claims.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Next()
	}
}
