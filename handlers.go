package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/mayur1518990-code/projects-sub000/models"
	"github.com/mayur1518990-code/projects-sub000/pkg/assign"
	"github.com/mayur1518990-code/projects-sub000/pkg/blob"
	"github.com/mayur1518990-code/projects-sub000/pkg/cache"
	"github.com/mayur1518990-code/projects-sub000/pkg/gateway"
)

// server bundles the handler dependencies so tests can swap the blob store,
// gateway and cache for fakes.
type server struct {
	db       *gorm.DB
	blobs    blob.Store
	gateway  gateway.Client
	cache    *cache.Cache[models.FileRecord]
	strategy assign.Strategy

	gatewayKeyID  string
	gatewaySecret string
	statusPage    string // browser redirect target after a gateway callback
}

func setupRoutes(r *gin.Engine, s *server) {
	r.POST("/register", s.registerHandler)
	r.POST("/login", s.loginHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/upload", s.uploadHandler)
	r.POST("/upload/init", s.uploadInitHandler)
	r.POST("/upload/complete", s.uploadCompleteHandler)

	r.GET("/files", s.getFilesHandler)
	r.PATCH("/files", s.patchFileHandler)
	r.DELETE("/files", s.deleteFileHandler)
	r.POST("/files/replace", s.replaceFileHandler)
	r.GET("/files/completed/:id/download-url", s.completedDownloadURLHandler)
	r.GET("/files/completed/:id/download", s.completedDownloadHandler)

	r.POST("/payment/create-order", s.createOrderHandler)
	r.POST("/payment/verify", s.verifyPaymentHandler)
	r.GET("/payment/verify", s.verifyRedirectHandler)

	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.GET("/me", s.meHandler)
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		role, _ := claims["role"].(string)
		c.Set("username", username)
		if role != "" {
			c.Set("role", role)
		}
		c.Next()
	}
}

func (s *server) meHandler(c *gin.Context) {
	usernameVal, _ := c.Get("username")
	if usernameVal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": usernameVal.(string)})
}

func (s *server) registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := RegisterUser(s.db, req.Username, req.Password, "user"); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func (s *server) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := Authenticate(s.db, req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	// Resolve role name from RoleID (we only store role_id).
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := s.db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"user_id":  user.ID,
		"exp":      time.Now().Add(time.Hour * 24).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "user_id": user.ID})
}

// parseUserID reads the caller identity from a form/query/body value. Zero
// means missing or malformed.
func parseUserID(v string) uint {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}
