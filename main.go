package main

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mayur1518990-code/projects-sub000/models"
	"github.com/mayur1518990-code/projects-sub000/pkg/assign"
	"github.com/mayur1518990-code/projects-sub000/pkg/blob"
	"github.com/mayur1518990-code/projects-sub000/pkg/cache"
	"github.com/mayur1518990-code/projects-sub000/pkg/gateway"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	// Support a lightweight migrate command: `./app migrate`
	// It runs AutoMigrate and seeding then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB()
		log.Println("migration and seeding completed")
		return
	}

	db := initDB()

	srv := &server{
		db:            db,
		blobs:         newBlobStore(),
		cache:         cache.New[models.FileRecord](cacheMaxEntries()),
		strategy:      assign.UniformRandom{},
		gatewaySecret: os.Getenv("RAZORPAY_KEY_SECRET"),
		statusPage:    envOr("PAYMENT_STATUS_PAGE", "/payment-status"),
	}
	rzp := gateway.NewRazorpay(os.Getenv("RAZORPAY_KEY_ID"), srv.gatewaySecret)
	srv.gateway = rzp
	srv.gatewayKeyID = rzp.KeyID()

	r := gin.Default()

	setupRoutes(r, srv)

	r.Run(":" + envOr("PORT", "8081"))
}

// newBlobStore builds the S3 client from the environment. Without an
// endpoint configured it falls back to the in-memory store so local
// development works out of the box; uploads then vanish on restart.
func newBlobStore() blob.Store {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		log.Println("S3_ENDPOINT not set, using in-memory blob store (development only)")
		return blob.NewMemory()
	}
	store, err := blob.NewS3Store(blob.S3Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Bucket:    envOr("S3_BUCKET", "documents"),
		UseSSL:    envOr("S3_USE_SSL", "true") != "false",
	})
	if err != nil {
		log.Fatal("failed to connect blob store:", err)
	}
	return store
}

func cacheMaxEntries() int {
	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 500
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
