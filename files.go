package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mayur1518990-code/projects-sub000/models"
	"github.com/mayur1518990-code/projects-sub000/pkg/blob"
	"github.com/mayur1518990-code/projects-sub000/pkg/lifecycle"
)

const (
	maxUploadSize = 20 << 20 // 20 MiB
	listPageSize  = 20
	idBatchSize   = 10 // provider-style cap on IN-clause batches
	fileCacheTTL  = 5 * time.Minute
	blobTimeout   = 30 * time.Second
)

var allowedMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"text/plain": true,
}

func fileCacheKey(id string) string { return "file:" + id }

// validateUpload applies the size and mime-type rules shared by every upload
// path. Returns a client-facing message, empty when the upload is acceptable.
func validateUpload(size int64, mimeType string) string {
	if size <= 0 {
		return "file is empty"
	}
	if size > maxUploadSize {
		return "file too large (max 20MB)"
	}
	if !allowedMimeTypes[mimeType] {
		return "file type not allowed"
	}
	return ""
}

// storageKey assigns a unique blob key preserving the original extension.
func storageKey(originalName string) (key, filename string) {
	filename = uuid.NewString() + filepath.Ext(originalName)
	return "uploads/" + filename, filename
}

func fileResponse(rec *models.FileRecord) gin.H {
	return gin.H{
		"id":           rec.ID,
		"filename":     rec.Filename,
		"originalName": rec.OriginalName,
		"size":         rec.Size,
		"mimeType":     rec.MimeType,
		"status":       lifecycle.Display(rec.Status),
		"uploadedAt":   rec.UploadedAt.UTC().Format(time.RFC3339),
		"filePath":     rec.FilePath,
	}
}

// loadOwnedFile fetches a record and enforces the ownership invariant. On
// failure it writes the response and returns false.
func (s *server) loadOwnedFile(c *gin.Context, fileID string, userID uint) (*models.FileRecord, bool) {
	var rec models.FileRecord
	if cached, ok := s.cache.Get(fileCacheKey(fileID)); ok {
		rec = cached
	} else {
		if err := s.db.Where("id = ?", fileID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			} else {
				log.Printf("file lookup %s failed: %v", fileID, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			}
			return nil, false
		}
		s.cache.Set(fileCacheKey(fileID), rec, fileCacheTTL)
	}
	if rec.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return &rec, true
}

// uploadHandler is the server-mediated upload path: the blob goes through
// this process and the record starts at pending_payment.
func (s *server) uploadHandler(c *gin.Context) {
	userID := parseUserID(c.PostForm("userId"))
	if userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	mimeType := file.Header.Get("Content-Type")
	if msg := validateUpload(file.Size, mimeType); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer src.Close()

	key, filename := storageKey(file.Filename)
	ctx, cancel := context.WithTimeout(c.Request.Context(), blobTimeout)
	defer cancel()
	if err := blob.UploadWithRetry(ctx, s.blobs, key, mimeType, src, file.Size); err != nil {
		log.Printf("blob upload %s failed: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	now := time.Now()
	rec := models.FileRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		Filename:     filename,
		OriginalName: file.Filename,
		Size:         file.Size,
		MimeType:     mimeType,
		FilePath:     key,
		Status:       lifecycle.StatusPendingPayment,
		UploadedAt:   now,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		// compensate: the blob would otherwise be orphaned
		if derr := s.blobs.Delete(context.Background(), key); derr != nil {
			log.Printf("orphaned blob %s could not be removed: %v", key, derr)
		}
		log.Printf("file record create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	c.JSON(http.StatusOK, fileResponse(&rec))
}

// uploadInitHandler starts the direct-to-storage path: the record is created
// at pending_upload and the client PUTs the blob itself via a signed URL,
// then confirms with /upload/complete.
func (s *server) uploadInitHandler(c *gin.Context) {
	var req struct {
		UserID   uint   `json:"userId" binding:"required"`
		Filename string `json:"filename" binding:"required"`
		Size     int64  `json:"size" binding:"required"`
		MimeType string `json:"mimeType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := validateUpload(req.Size, req.MimeType); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	key, filename := storageKey(req.Filename)
	ctx, cancel := context.WithTimeout(c.Request.Context(), blobTimeout)
	defer cancel()
	uploadURL, err := s.blobs.SignedUploadURL(ctx, key, 15*time.Minute)
	if err != nil {
		log.Printf("presign upload %s failed: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	rec := models.FileRecord{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Filename:     filename,
		OriginalName: req.Filename,
		Size:         req.Size,
		MimeType:     req.MimeType,
		FilePath:     key,
		Status:       lifecycle.StatusPendingUpload,
		UploadedAt:   time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		log.Printf("file record create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "uploadUrl": uploadURL, "filePath": key})
}

// uploadCompleteHandler confirms a direct-to-storage upload. The blob must
// exist before the record may leave pending_upload.
func (s *server) uploadCompleteHandler(c *gin.Context) {
	var req struct {
		FileID string `json:"fileId" binding:"required"`
		UserID uint   `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, ok := s.loadOwnedFile(c, req.FileID, req.UserID)
	if !ok {
		return
	}
	if rec.Status != lifecycle.StatusPendingUpload {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is not awaiting upload confirmation"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), blobTimeout)
	defer cancel()
	info, err := s.blobs.Stat(ctx, rec.FilePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file content has not been uploaded"})
			return
		}
		log.Printf("blob stat %s failed: %v", rec.FilePath, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	updates := map[string]interface{}{
		"status":      lifecycle.StatusPendingPayment,
		"size":        info.Size,
		"uploaded_at": time.Now(),
	}
	if err := s.db.Model(&models.FileRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		log.Printf("upload complete update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	s.cache.Delete(fileCacheKey(rec.ID))
	rec.Status = lifecycle.StatusPendingPayment
	rec.Size = info.Size
	c.JSON(http.StatusOK, fileResponse(rec))
}

// getFilesHandler serves both the single-record fetch (?fileId=) and the
// owner's listing, newest first, one bounded page.
func (s *server) getFilesHandler(c *gin.Context) {
	userID := parseUserID(c.Query("userId"))
	if userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}
	if fileID := c.Query("fileId"); fileID != "" {
		rec, ok := s.loadOwnedFile(c, fileID, userID)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, fileResponse(rec))
		return
	}

	var recs []models.FileRecord
	if err := s.db.Where("user_id = ?", userID).
		Order("uploaded_at desc").Limit(listPageSize).Find(&recs).Error; err != nil {
		log.Printf("file listing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	var agentIDs []uint
	var completedIDs []string
	for _, r := range recs {
		if r.AssignedAgentID != nil {
			agentIDs = append(agentIDs, *r.AssignedAgentID)
		}
		if r.CompletedFileID != nil {
			completedIDs = append(completedIDs, *r.CompletedFileID)
		}
	}

	// The two display joins are independent; fetch them concurrently.
	var (
		wg        sync.WaitGroup
		agents    map[uint]models.User
		completed map[string]models.CompletedFile
		agentErr  error
		compErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		agents, agentErr = s.fetchAgentsByIDs(agentIDs)
	}()
	go func() {
		defer wg.Done()
		completed, compErr = s.fetchCompletedByIDs(completedIDs)
	}()
	wg.Wait()
	if agentErr != nil {
		log.Printf("agent join failed: %v", agentErr)
	}
	if compErr != nil {
		log.Printf("completed-file join failed: %v", compErr)
	}

	items := make([]gin.H, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		item := fileResponse(r)
		if r.AssignedAgentID != nil {
			if a, ok := agents[*r.AssignedAgentID]; ok {
				item["agent"] = gin.H{"id": a.ID, "username": a.Username}
			}
		}
		if r.CompletedFileID != nil {
			if cf, ok := completed[*r.CompletedFileID]; ok {
				item["completedFile"] = gin.H{"id": cf.ID, "filename": cf.Filename, "size": cf.Size}
			}
			item["completedAt"] = r.CompletedAt
		}
		if r.ResponseMessage != "" {
			item["responseMessage"] = r.ResponseMessage
		}
		if r.UserComment != "" {
			item["userComment"] = r.UserComment
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, items)
}

// batchIDs splits ids into groups of at most idBatchSize for IN queries.
func batchIDs[T any](ids []T) [][]T {
	var out [][]T
	for len(ids) > 0 {
		n := len(ids)
		if n > idBatchSize {
			n = idBatchSize
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func (s *server) fetchAgentsByIDs(ids []uint) (map[uint]models.User, error) {
	result := make(map[uint]models.User, len(ids))
	for _, group := range batchIDs(ids) {
		var users []models.User
		if err := s.db.Where("id IN ?", group).Find(&users).Error; err != nil {
			return result, err
		}
		for _, u := range users {
			result[u.ID] = u
		}
	}
	return result, nil
}

func (s *server) fetchCompletedByIDs(ids []string) (map[string]models.CompletedFile, error) {
	result := make(map[string]models.CompletedFile, len(ids))
	for _, group := range batchIDs(ids) {
		var files []models.CompletedFile
		if err := s.db.Where("id IN ?", group).Find(&files).Error; err != nil {
			return result, err
		}
		for _, f := range files {
			result[f.ID] = f
		}
	}
	return result, nil
}

// patchFileHandler covers the two owner-driven mutations: the limited direct
// status override and the comment field.
func (s *server) patchFileHandler(c *gin.Context) {
	var req struct {
		FileID      string  `json:"fileId" binding:"required"`
		UserID      uint    `json:"userId" binding:"required"`
		Status      *string `json:"status"`
		UserComment *string `json:"userComment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == nil && req.UserComment == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	rec, ok := s.loadOwnedFile(c, req.FileID, req.UserID)
	if !ok {
		return
	}

	updates := map[string]interface{}{}
	if req.Status != nil {
		if !lifecycle.Valid(*req.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		if !lifecycle.CanClientSet(rec.Status, *req.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status change not allowed"})
			return
		}
		updates["status"] = *req.Status
	}
	if req.UserComment != nil {
		updates["user_comment"] = *req.UserComment
		updates["user_comment_updated_at"] = time.Now()
	}
	if err := s.db.Model(&models.FileRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		log.Printf("file patch failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	s.cache.Delete(fileCacheKey(rec.ID))

	var fresh models.FileRecord
	if err := s.db.Where("id = ?", rec.ID).First(&fresh).Error; err != nil {
		c.JSON(http.StatusOK, gin.H{"updated": true})
		return
	}
	c.JSON(http.StatusOK, fileResponse(&fresh))
}

// deleteFileHandler removes the record and best-effort deletes the blob.
// Deleting an already-deleted file succeeds: the caller wanted it gone and
// it is gone.
func (s *server) deleteFileHandler(c *gin.Context) {
	userID := parseUserID(c.Query("userId"))
	fileID := c.Query("fileId")
	if userID == 0 || fileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileId and userId required"})
		return
	}
	var rec models.FileRecord
	if err := s.db.Where("id = ?", fileID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.cache.Delete(fileCacheKey(fileID))
			c.JSON(http.StatusOK, gin.H{"deleted": true})
			return
		}
		log.Printf("file lookup %s failed: %v", fileID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if rec.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := s.db.Delete(&models.FileRecord{}, "id = ?", rec.ID).Error; err != nil {
		log.Printf("file delete %s failed: %v", rec.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	s.cache.Delete(fileCacheKey(rec.ID))
	// The record is gone either way; a failed blob delete only leaks an
	// object for the reconciliation pass to pick up.
	ctx, cancel := context.WithTimeout(context.Background(), blobTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, rec.FilePath); err != nil {
		log.Printf("blob delete %s failed (leaked object): %v", rec.FilePath, err)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// replaceFileHandler swaps the record's content for a newly uploaded blob.
// The old blob is removed only after the new one is stored.
func (s *server) replaceFileHandler(c *gin.Context) {
	userID := parseUserID(c.PostForm("userId"))
	fileID := c.PostForm("fileId")
	if userID == 0 || fileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileId and userId required"})
		return
	}
	rec, ok := s.loadOwnedFile(c, fileID, userID)
	if !ok {
		return
	}
	if !lifecycle.CanReplace(rec.Status, rec.EditTimerMinutes, rec.EditTimerStartedAt, time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file can no longer be edited"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	mimeType := file.Header.Get("Content-Type")
	if msg := validateUpload(file.Size, mimeType); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer src.Close()

	oldPath := rec.FilePath
	key, filename := storageKey(file.Filename)
	ctx, cancel := context.WithTimeout(c.Request.Context(), blobTimeout)
	defer cancel()
	if err := blob.UploadWithRetry(ctx, s.blobs, key, mimeType, src, file.Size); err != nil {
		log.Printf("replacement upload %s failed: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	updates := map[string]interface{}{
		"filename":      filename,
		"original_name": file.Filename,
		"size":          file.Size,
		"mime_type":     mimeType,
		"file_path":     key,
		"status":        lifecycle.StatusReplacement,
		"uploaded_at":   time.Now(),
	}
	if err := s.db.Model(&models.FileRecord{}).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		if derr := s.blobs.Delete(context.Background(), key); derr != nil {
			log.Printf("orphaned replacement blob %s could not be removed: %v", key, derr)
		}
		log.Printf("replacement update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	s.cache.Delete(fileCacheKey(rec.ID))
	if err := s.blobs.Delete(ctx, oldPath); err != nil {
		log.Printf("old blob %s delete failed (leaked object): %v", oldPath, err)
	}

	rec.Filename = filename
	rec.OriginalName = file.Filename
	rec.Size = file.Size
	rec.MimeType = mimeType
	rec.FilePath = key
	rec.Status = lifecycle.StatusReplacement
	c.JSON(http.StatusOK, fileResponse(rec))
}

// completedDownloadURLHandler hands out a time-boxed signed URL for the
// processed result. {id} is the CompletedFile id; ownership is checked via
// the FileRecord pointing at it.
func (s *server) completedDownloadURLHandler(c *gin.Context) {
	cf, ok := s.loadOwnedCompleted(c)
	if !ok {
		return
	}
	const ttl = 10 * time.Minute
	ctx, cancel := context.WithTimeout(c.Request.Context(), blobTimeout)
	defer cancel()
	url, err := s.blobs.SignedDownloadURL(ctx, cf.FilePath, cf.Filename, ttl)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file content not found"})
			return
		}
		log.Printf("presign download %s failed: %v", cf.FilePath, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"downloadUrl": url,
		"filename":    cf.Filename,
		"expiresIn":   int(ttl.Seconds()),
	})
}

// completedDownloadHandler streams the processed result through this process,
// for embedded web views that cannot follow signed URLs reliably.
func (s *server) completedDownloadHandler(c *gin.Context) {
	cf, ok := s.loadOwnedCompleted(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), blobTimeout)
	defer cancel()
	rc, err := s.blobs.Download(ctx, cf.FilePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file content not found"})
			return
		}
		log.Printf("blob download %s failed: %v", cf.FilePath, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	defer rc.Close()
	extraHeaders := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", cf.Filename),
	}
	c.DataFromReader(http.StatusOK, cf.Size, cf.MimeType, rc, extraHeaders)
}

// loadOwnedCompleted resolves :id to a CompletedFile the caller owns (through
// the FileRecord referencing it). Writes the error response on failure.
func (s *server) loadOwnedCompleted(c *gin.Context) (*models.CompletedFile, bool) {
	userID := parseUserID(c.Query("userId"))
	if userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return nil, false
	}
	completedID := c.Param("id")
	var rec models.FileRecord
	if err := s.db.Where("completed_file_id = ?", completedID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "completed file not found"})
		} else {
			log.Printf("completed lookup %s failed: %v", completedID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		}
		return nil, false
	}
	if rec.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	var cf models.CompletedFile
	if err := s.db.Where("id = ?", completedID).First(&cf).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "completed file not found"})
		return nil, false
	}
	return &cf, true
}
