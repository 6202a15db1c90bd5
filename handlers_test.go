package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mayur1518990-code/projects-sub000/models"
	"github.com/mayur1518990-code/projects-sub000/pkg/assign"
	"github.com/mayur1518990-code/projects-sub000/pkg/blob"
	"github.com/mayur1518990-code/projects-sub000/pkg/cache"
	"github.com/mayur1518990-code/projects-sub000/pkg/gateway"
	"github.com/mayur1518990-code/projects-sub000/pkg/lifecycle"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (g *fakeGateway) CreateOrder(_ context.Context, amount int64, currency, _ string) (gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return gateway.Order{}, gateway.ErrGateway
	}
	g.calls++
	return gateway.Order{ID: fmt.Sprintf("order_test_%d", g.calls), Amount: amount, Currency: currency}, nil
}

var testDBSeq atomic.Int64

func newTestServer(t *testing.T) (*server, *blob.Memory, *fakeGateway, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwtSecret = []byte("test-secret")

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	migrateAll(db)

	blobs := blob.NewMemory()
	gw := &fakeGateway{}
	s := &server{
		db:            db,
		blobs:         blobs,
		gateway:       gw,
		cache:         cache.New[models.FileRecord](100),
		strategy:      assign.UniformRandom{},
		gatewaySecret: "test-gateway-secret",
		gatewayKeyID:  "rzp_test_key",
		statusPage:    "/payment-status",
	}
	r := gin.New()
	setupRoutes(r, s)
	return s, blobs, gw, r
}

func createTestUser(t *testing.T, db *gorm.DB, username, role string) uint {
	t.Helper()
	if err := RegisterUser(db, username, "password1", role); err != nil {
		t.Fatalf("create %s: %v", username, err)
	}
	var u models.User
	if err := db.Where("username = ?", username).First(&u).Error; err != nil {
		t.Fatalf("lookup %s: %v", username, err)
	}
	return u.ID
}

func performRequest(r http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewBuffer(b)
}

// multipartUpload builds a multipart body whose file part carries an explicit
// Content-Type (CreateFormFile would force octet-stream).
func multipartUpload(t *testing.T, fields map[string]string, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatal(err)
	}
	_ = mw.Close()
	return buf, mw.FormDataContentType()
}

func uploadTestFile(t *testing.T, r http.Handler, userID uint, name string, content []byte) map[string]interface{} {
	t.Helper()
	body, ct := multipartUpload(t, map[string]string{"userId": fmt.Sprint(userID)}, name, "application/pdf", content)
	resp := performRequest(r, http.MethodPost, "/upload", body, ct)
	if resp.Code != http.StatusOK {
		t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var out map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	return out
}

func fileStatus(t *testing.T, db *gorm.DB, id string) string {
	t.Helper()
	var rec models.FileRecord
	if err := db.Where("id = ?", id).First(&rec).Error; err != nil {
		t.Fatalf("load file %s: %v", id, err)
	}
	return rec.Status
}

func TestRegisterLogin(t *testing.T) {
	_, _, _, r := newTestServer(t)

	resp := performRequest(r, http.MethodPost, "/register",
		jsonBody(t, map[string]string{"username": "u1", "password": "pass123"}), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("register status=%d body=%s", resp.Code, resp.Body.String())
	}
	resp = performRequest(r, http.MethodPost, "/login",
		jsonBody(t, map[string]string{"username": "u1", "password": "pass123"}), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", resp.Code, resp.Body.String())
	}
	var out map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatalf("empty token in login response: %+v", out)
	}
	req, _ := http.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status=%d", rec.Code)
	}
}

func TestUploadValidation(t *testing.T) {
	s, blobs, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "uploader", "user")

	cases := []struct {
		name        string
		filename    string
		contentType string
		content     []byte
	}{
		{"empty file", "empty.pdf", "application/pdf", nil},
		{"oversize file", "big.pdf", "application/pdf", bytes.Repeat([]byte("x"), maxUploadSize+1)},
		{"disallowed type", "app.exe", "application/x-msdownload", []byte("MZ")},
	}
	for _, tc := range cases {
		body, ct := multipartUpload(t, map[string]string{"userId": fmt.Sprint(userID)}, tc.filename, tc.contentType, tc.content)
		resp := performRequest(r, http.MethodPost, "/upload", body, ct)
		if resp.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d, want 400", tc.name, resp.Code)
		}
	}

	var count int64
	s.db.Model(&models.FileRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("rejected uploads created %d records", count)
	}
	if blobs.Len() != 0 {
		t.Error("rejected upload stored a blob")
	}

	// missing userId
	body, ct := multipartUpload(t, nil, "doc.pdf", "application/pdf", []byte("ok"))
	if resp := performRequest(r, http.MethodPost, "/upload", body, ct); resp.Code != http.StatusBadRequest {
		t.Errorf("missing userId: status=%d, want 400", resp.Code)
	}
}

func TestUploadCreatesPendingPayment(t *testing.T) {
	s, blobs, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "uploader", "user")

	out := uploadTestFile(t, r, userID, "report.pdf", []byte("%PDF-1.4 test"))
	if out["status"] != lifecycle.StatusPendingPayment {
		t.Errorf("status = %v, want pending_payment", out["status"])
	}
	if out["originalName"] != "report.pdf" {
		t.Errorf("originalName = %v", out["originalName"])
	}
	key, _ := out["filePath"].(string)
	if !blobs.Has(key) {
		t.Errorf("blob %s missing after upload", key)
	}
	if fileStatus(t, s.db, out["id"].(string)) != lifecycle.StatusPendingPayment {
		t.Error("persisted status is not pending_payment")
	}
}

func TestOwnershipInvariant(t *testing.T) {
	s, _, _, r := newTestServer(t)
	owner := createTestUser(t, s.db, "owner", "user")
	other := createTestUser(t, s.db, "other", "user")

	out := uploadTestFile(t, r, owner, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)

	// read
	resp := performRequest(r, http.MethodGet, fmt.Sprintf("/files?userId=%d&fileId=%s", other, fileID), nil, "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("foreign read status=%d, want 403", resp.Code)
	}
	// update
	resp = performRequest(r, http.MethodPatch, "/files",
		jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": other, "userComment": "hax"}), "application/json")
	if resp.Code != http.StatusForbidden {
		t.Errorf("foreign patch status=%d, want 403", resp.Code)
	}
	// delete
	resp = performRequest(r, http.MethodDelete, fmt.Sprintf("/files?userId=%d&fileId=%s", other, fileID), nil, "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("foreign delete status=%d, want 403", resp.Code)
	}

	// record untouched
	var rec models.FileRecord
	if err := s.db.Where("id = ?", fileID).First(&rec).Error; err != nil {
		t.Fatalf("record vanished: %v", err)
	}
	if rec.UserComment != "" || rec.Status != lifecycle.StatusPendingPayment {
		t.Errorf("record mutated by foreign request: %+v", rec)
	}
}

func TestIdempotentDelete(t *testing.T) {
	s, blobs, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "owner", "user")

	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)
	key := out["filePath"].(string)

	for i := 0; i < 2; i++ {
		resp := performRequest(r, http.MethodDelete, fmt.Sprintf("/files?userId=%d&fileId=%s", userID, fileID), nil, "")
		if resp.Code != http.StatusOK {
			t.Fatalf("delete #%d status=%d body=%s", i+1, resp.Code, resp.Body.String())
		}
	}
	if blobs.Has(key) {
		t.Error("blob still present after delete")
	}
	var count int64
	s.db.Model(&models.FileRecord{}).Where("id = ?", fileID).Count(&count)
	if count != 0 {
		t.Error("record still present after delete")
	}
}

func TestUploadCompleteStateGuard(t *testing.T) {
	s, blobs, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "owner", "user")

	resp := performRequest(r, http.MethodPost, "/upload/init",
		jsonBody(t, map[string]interface{}{"userId": userID, "filename": "direct.pdf", "size": 5, "mimeType": "application/pdf"}), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("init status=%d body=%s", resp.Code, resp.Body.String())
	}
	var init map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &init)
	fileID := init["id"].(string)
	key := init["filePath"].(string)
	if init["uploadUrl"] == "" {
		t.Fatal("no upload URL returned")
	}
	if fileStatus(t, s.db, fileID) != lifecycle.StatusPendingUpload {
		t.Fatal("init should create pending_upload")
	}

	complete := func() *httptest.ResponseRecorder {
		return performRequest(r, http.MethodPost, "/upload/complete",
			jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": userID}), "application/json")
	}

	// blob not uploaded yet
	if resp := complete(); resp.Code != http.StatusBadRequest {
		t.Fatalf("complete before content: status=%d, want 400", resp.Code)
	}
	if fileStatus(t, s.db, fileID) != lifecycle.StatusPendingUpload {
		t.Fatal("failed complete must not change status")
	}

	blobs.Put(key, "application/pdf", []byte("12345"))
	if resp := complete(); resp.Code != http.StatusOK {
		t.Fatalf("complete: status=%d body=%s", resp.Code, resp.Body.String())
	}
	if fileStatus(t, s.db, fileID) != lifecycle.StatusPendingPayment {
		t.Fatal("complete should move to pending_payment")
	}

	// second confirmation hits the state guard
	if resp := complete(); resp.Code != http.StatusBadRequest {
		t.Fatalf("repeat complete: status=%d, want 400", resp.Code)
	}
	if fileStatus(t, s.db, fileID) != lifecycle.StatusPendingPayment {
		t.Fatal("rejected complete must leave status unchanged")
	}
}

func createOrder(t *testing.T, r http.Handler, fileID string, userID uint, amount float64) map[string]interface{} {
	t.Helper()
	resp := performRequest(r, http.MethodPost, "/payment/create-order",
		jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": userID, "amount": amount}), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("create-order status=%d body=%s", resp.Code, resp.Body.String())
	}
	var out map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	return out
}

func TestPaymentFlowEndToEnd(t *testing.T) {
	s, _, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "payer", "user")

	out := uploadTestFile(t, r, userID, "contract.pdf", bytes.Repeat([]byte("p"), 2048))
	fileID := out["id"].(string)

	order := createOrder(t, r, fileID, userID, 100)
	orderID := order["order_id"].(string)
	if order["amount"].(float64) != 10000 {
		t.Errorf("amount = %v, want 10000 paise", order["amount"])
	}
	var pending models.PaymentRecord
	if err := s.db.Where("gateway_order_id = ?", orderID).First(&pending).Error; err != nil {
		t.Fatalf("pending payment record missing: %v", err)
	}
	if pending.Status != models.PaymentPending {
		t.Fatalf("payment status = %s, want pending", pending.Status)
	}

	sig := gateway.Sign(orderID, "pay_001", s.gatewaySecret)
	verify := func() *httptest.ResponseRecorder {
		return performRequest(r, http.MethodPost, "/payment/verify",
			jsonBody(t, map[string]interface{}{
				"orderId": orderID, "paymentId": "pay_001", "signature": sig,
				"fileId": fileID, "userId": userID,
			}), "application/json")
	}

	if resp := verify(); resp.Code != http.StatusOK {
		t.Fatalf("verify status=%d body=%s", resp.Code, resp.Body.String())
	}
	if got := fileStatus(t, s.db, fileID); got != lifecycle.StatusPaid {
		t.Fatalf("file status = %s, want paid", got)
	}
	var captured models.PaymentRecord
	if err := s.db.Where("gateway_payment_id = ?", "pay_001").First(&captured).Error; err != nil {
		t.Fatalf("captured record missing: %v", err)
	}
	if captured.Status != models.PaymentCaptured || captured.ID != pending.ID {
		t.Fatalf("expected the pending record to be captured in place, got %+v", captured)
	}

	// idempotent re-verification
	if resp := verify(); resp.Code != http.StatusOK {
		t.Fatalf("re-verify status=%d body=%s", resp.Code, resp.Body.String())
	}
	if got := fileStatus(t, s.db, fileID); got != lifecycle.StatusPaid {
		t.Fatalf("file status after re-verify = %s, want paid", got)
	}
	var count int64
	s.db.Model(&models.PaymentRecord{}).Where("gateway_payment_id = ?", "pay_001").Count(&count)
	if count != 1 {
		t.Fatalf("%d captured records for pay_001, want 1", count)
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	s, _, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "payer", "user")

	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)
	order := createOrder(t, r, fileID, userID, 50)
	orderID := order["order_id"].(string)

	// signature computed over a different paymentId
	sig := gateway.Sign(orderID, "pay_other", s.gatewaySecret)
	resp := performRequest(r, http.MethodPost, "/payment/verify",
		jsonBody(t, map[string]interface{}{
			"orderId": orderID, "paymentId": "pay_real", "signature": sig,
			"fileId": fileID, "userId": userID,
		}), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("forged verify status=%d, want 400", resp.Code)
	}
	if got := fileStatus(t, s.db, fileID); got != lifecycle.StatusPendingPayment {
		t.Fatalf("file status = %s, must stay pending_payment", got)
	}
	var p models.PaymentRecord
	s.db.Where("gateway_order_id = ?", orderID).First(&p)
	if p.Status != models.PaymentPending {
		t.Fatalf("payment status = %s, must stay pending", p.Status)
	}
}

func TestVerifyFallbackWithoutOrderRecord(t *testing.T) {
	s, _, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "payer", "user")

	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)

	// no create-order step: redirect-only flow
	sig := gateway.Sign("order_external", "pay_ext", s.gatewaySecret)
	resp := performRequest(r, http.MethodPost, "/payment/verify",
		jsonBody(t, map[string]interface{}{
			"orderId": "order_external", "paymentId": "pay_ext", "signature": sig,
			"fileId": fileID, "userId": userID, "amount": 75.0,
		}), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("fallback verify status=%d body=%s", resp.Code, resp.Body.String())
	}
	var p models.PaymentRecord
	if err := s.db.Where("gateway_payment_id = ?", "pay_ext").First(&p).Error; err != nil {
		t.Fatalf("fallback captured record missing: %v", err)
	}
	if p.Status != models.PaymentCaptured || p.Amount != 7500 {
		t.Fatalf("fallback record = %+v", p)
	}
	if got := fileStatus(t, s.db, fileID); got != lifecycle.StatusPaid {
		t.Fatalf("file status = %s, want paid", got)
	}
}

func TestAgentAssignmentOnCapture(t *testing.T) {
	s, _, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "payer", "user")
	agentID := createTestUser(t, s.db, "agent1", "agent")

	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)
	order := createOrder(t, r, fileID, userID, 100)
	orderID := order["order_id"].(string)

	sig := gateway.Sign(orderID, "pay_agent", s.gatewaySecret)
	resp := performRequest(r, http.MethodPost, "/payment/verify",
		jsonBody(t, map[string]interface{}{
			"orderId": orderID, "paymentId": "pay_agent", "signature": sig,
			"fileId": fileID, "userId": userID,
		}), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("verify status=%d body=%s", resp.Code, resp.Body.String())
	}

	var rec models.FileRecord
	if err := s.db.Where("id = ?", fileID).First(&rec).Error; err != nil {
		t.Fatal(err)
	}
	if rec.Status != lifecycle.StatusAssigned {
		t.Fatalf("status = %s, want assigned", rec.Status)
	}
	if rec.AssignedAgentID == nil || *rec.AssignedAgentID != agentID {
		t.Fatalf("assignedAgentId = %v, want %d", rec.AssignedAgentID, agentID)
	}
	if rec.AssignmentType != "automatic" || rec.AssignedAt == nil {
		t.Fatalf("assignment fields not set: %+v", rec)
	}
	var logCount int64
	s.db.Model(&models.AssignmentLog{}).Where("file_id = ? AND agent_id = ?", fileID, agentID).Count(&logCount)
	if logCount != 1 {
		t.Fatalf("assignment log entries = %d, want 1", logCount)
	}

	// assigned is surfaced to the owner as paid
	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/files?userId=%d&fileId=%s", userID, fileID), nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get status=%d", resp.Code)
	}
	var view map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &view)
	if view["status"] != lifecycle.StatusPaid {
		t.Fatalf("displayed status = %v, want paid", view["status"])
	}
}

func TestVerifyRedirectVariant(t *testing.T) {
	s, _, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "payer", "user")

	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)
	order := createOrder(t, r, fileID, userID, 40)
	orderID := order["order_id"].(string)

	sig := gateway.Sign(orderID, "pay_redirect", s.gatewaySecret)
	path := fmt.Sprintf("/payment/verify?razorpay_order_id=%s&razorpay_payment_id=pay_redirect&razorpay_signature=%s&fileId=%s&userId=%d",
		orderID, sig, fileID, userID)
	resp := performRequest(r, http.MethodGet, path, nil, "")
	if resp.Code != http.StatusFound {
		t.Fatalf("redirect verify status=%d, want 302", resp.Code)
	}
	if loc := resp.Header().Get("Location"); loc != "/payment-status?status=success&fileId="+fileID {
		t.Fatalf("redirect location = %s", loc)
	}
	if got := fileStatus(t, s.db, fileID); got != lifecycle.StatusPaid {
		t.Fatalf("file status = %s, want paid", got)
	}

	// forged signature redirects to the failure page and changes nothing
	bad := fmt.Sprintf("/payment/verify?razorpay_order_id=%s&razorpay_payment_id=pay_x&razorpay_signature=%s&fileId=%s&userId=%d",
		orderID, "deadbeef", fileID, userID)
	resp = performRequest(r, http.MethodGet, bad, nil, "")
	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/payment-status?status=failed" {
		t.Fatalf("forged redirect: status=%d location=%s", resp.Code, resp.Header().Get("Location"))
	}
}

func TestCreateOrderErrors(t *testing.T) {
	s, _, gw, r := newTestServer(t)
	owner := createTestUser(t, s.db, "owner", "user")
	other := createTestUser(t, s.db, "other", "user")
	out := uploadTestFile(t, r, owner, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)

	resp := performRequest(r, http.MethodPost, "/payment/create-order",
		jsonBody(t, map[string]interface{}{"fileId": "no-such-file", "userId": owner, "amount": 10.0}), "application/json")
	if resp.Code != http.StatusNotFound {
		t.Errorf("missing file: status=%d, want 404", resp.Code)
	}
	resp = performRequest(r, http.MethodPost, "/payment/create-order",
		jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": other, "amount": 10.0}), "application/json")
	if resp.Code != http.StatusForbidden {
		t.Errorf("foreign file: status=%d, want 403", resp.Code)
	}
	gw.fail = true
	resp = performRequest(r, http.MethodPost, "/payment/create-order",
		jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": owner, "amount": 10.0}), "application/json")
	if resp.Code != http.StatusBadGateway {
		t.Errorf("gateway failure: status=%d, want 502", resp.Code)
	}
	var count int64
	s.db.Model(&models.PaymentRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("failed order attempts left %d payment records", count)
	}
}

func TestCacheInvalidationOnMutation(t *testing.T) {
	s, _, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "owner", "user")
	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)

	// prime the cache
	resp := performRequest(r, http.MethodGet, fmt.Sprintf("/files?userId=%d&fileId=%s", userID, fileID), nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get status=%d", resp.Code)
	}
	if _, ok := s.cache.Get(fileCacheKey(fileID)); !ok {
		t.Fatal("single-record read should populate the cache")
	}

	resp = performRequest(r, http.MethodPatch, "/files",
		jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": userID, "userComment": "please hurry"}), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", resp.Code, resp.Body.String())
	}
	if _, ok := s.cache.Get(fileCacheKey(fileID)); ok {
		t.Fatal("mutation must invalidate the cache entry")
	}

	// a fresh read sees the new data
	var rec models.FileRecord
	if err := s.db.Where("id = ?", fileID).First(&rec).Error; err != nil {
		t.Fatal(err)
	}
	if rec.UserComment != "please hurry" {
		t.Fatalf("comment = %q", rec.UserComment)
	}

	// delete invalidates too
	performRequest(r, http.MethodDelete, fmt.Sprintf("/files?userId=%d&fileId=%s", userID, fileID), nil, "")
	if _, ok := s.cache.Get(fileCacheKey(fileID)); ok {
		t.Fatal("delete must invalidate the cache entry")
	}
}

func TestPatchStatusGuard(t *testing.T) {
	s, _, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "owner", "user")
	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	fileID := out["id"].(string)

	// pending_payment -> paid is not a client-settable move
	resp := performRequest(r, http.MethodPatch, "/files",
		jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": userID, "status": lifecycle.StatusPaid}), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("client paid override: status=%d, want 400", resp.Code)
	}
	if got := fileStatus(t, s.db, fileID); got != lifecycle.StatusPendingPayment {
		t.Fatalf("status = %s, must be unchanged", got)
	}

	resp = performRequest(r, http.MethodPatch, "/files",
		jsonBody(t, map[string]interface{}{"fileId": fileID, "userId": userID, "status": "bogus"}), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: status=%d, want 400", resp.Code)
	}
}

func TestListFiles(t *testing.T) {
	s, blobs, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "owner", "user")
	agentID := createTestUser(t, s.db, "agent1", "agent")

	first := uploadTestFile(t, r, userID, "first.pdf", []byte("1"))
	time.Sleep(10 * time.Millisecond) // distinct uploadedAt ordering
	second := uploadTestFile(t, r, userID, "second.pdf", []byte("2"))

	// decorate the first record: assigned agent plus a completed result
	cf := models.CompletedFile{ID: "cf-1", FilePath: "completed/cf-1.pdf", Filename: "first-done.pdf", Size: 3, MimeType: "application/pdf", AgentID: &agentID}
	if err := s.db.Create(&cf).Error; err != nil {
		t.Fatal(err)
	}
	blobs.Put(cf.FilePath, cf.MimeType, []byte("fin"))
	now := time.Now()
	s.db.Model(&models.FileRecord{}).Where("id = ?", first["id"]).Updates(map[string]interface{}{
		"status":            lifecycle.StatusCompleted,
		"assigned_agent_id": agentID,
		"completed_file_id": cf.ID,
		"completed_at":      now,
	})

	resp := performRequest(r, http.MethodGet, fmt.Sprintf("/files?userId=%d", userID), nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("list status=%d body=%s", resp.Code, resp.Body.String())
	}
	var items []map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &items)
	if len(items) != 2 {
		t.Fatalf("listed %d items, want 2", len(items))
	}
	if items[0]["id"] != second["id"] {
		t.Errorf("list not ordered by uploadedAt desc: first item %v", items[0]["id"])
	}
	var decorated map[string]interface{}
	for _, it := range items {
		if it["id"] == first["id"] {
			decorated = it
		}
	}
	if decorated == nil {
		t.Fatal("first file missing from list")
	}
	agentInfo, _ := decorated["agent"].(map[string]interface{})
	if agentInfo == nil || agentInfo["username"] != "agent1" {
		t.Errorf("agent join missing: %v", decorated["agent"])
	}
	cfInfo, _ := decorated["completedFile"].(map[string]interface{})
	if cfInfo == nil || cfInfo["filename"] != "first-done.pdf" {
		t.Errorf("completed-file join missing: %v", decorated["completedFile"])
	}

	// listing requires userId
	if resp := performRequest(r, http.MethodGet, "/files", nil, ""); resp.Code != http.StatusBadRequest {
		t.Errorf("missing userId: status=%d, want 400", resp.Code)
	}
}

func TestCompletedFileDownload(t *testing.T) {
	s, blobs, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "owner", "user")
	other := createTestUser(t, s.db, "other", "user")

	out := uploadTestFile(t, r, userID, "doc.pdf", []byte("content"))
	cf := models.CompletedFile{ID: "cf-9", FilePath: "completed/cf-9.pdf", Filename: "done.pdf", Size: 4, MimeType: "application/pdf"}
	if err := s.db.Create(&cf).Error; err != nil {
		t.Fatal(err)
	}
	blobs.Put(cf.FilePath, cf.MimeType, []byte("done"))
	s.db.Model(&models.FileRecord{}).Where("id = ?", out["id"]).Updates(map[string]interface{}{
		"status": lifecycle.StatusCompleted, "completed_file_id": cf.ID,
	})

	resp := performRequest(r, http.MethodGet, fmt.Sprintf("/files/completed/%s/download-url?userId=%d", cf.ID, userID), nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("download-url status=%d body=%s", resp.Code, resp.Body.String())
	}
	var urlOut map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &urlOut)
	if urlOut["downloadUrl"] == "" || urlOut["filename"] != "done.pdf" {
		t.Fatalf("download-url response: %v", urlOut)
	}

	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/files/completed/%s/download-url?userId=%d", cf.ID, other), nil, "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("foreign download-url: status=%d, want 403", resp.Code)
	}

	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/files/completed/%s/download?userId=%d", cf.ID, userID), nil, "")
	if resp.Code != http.StatusOK || resp.Body.String() != "done" {
		t.Fatalf("stream download: status=%d body=%q", resp.Code, resp.Body.String())
	}
	if cd := resp.Header().Get("Content-Disposition"); cd != `attachment; filename="done.pdf"` {
		t.Errorf("Content-Disposition = %q", cd)
	}

	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/files/completed/unknown/download-url?userId=%d", userID), nil, "")
	if resp.Code != http.StatusNotFound {
		t.Errorf("unknown completed id: status=%d, want 404", resp.Code)
	}
}

func TestReplaceFile(t *testing.T) {
	s, blobs, _, r := newTestServer(t)
	userID := createTestUser(t, s.db, "owner", "user")
	out := uploadTestFile(t, r, userID, "v1.pdf", []byte("version one"))
	fileID := out["id"].(string)
	oldKey := out["filePath"].(string)

	body, ct := multipartUpload(t, map[string]string{"userId": fmt.Sprint(userID), "fileId": fileID}, "v2.pdf", "application/pdf", []byte("version two"))
	resp := performRequest(r, http.MethodPost, "/files/replace", body, ct)
	if resp.Code != http.StatusOK {
		t.Fatalf("replace status=%d body=%s", resp.Code, resp.Body.String())
	}
	var rec models.FileRecord
	if err := s.db.Where("id = ?", fileID).First(&rec).Error; err != nil {
		t.Fatal(err)
	}
	if rec.Status != lifecycle.StatusReplacement {
		t.Errorf("status = %s, want replacement", rec.Status)
	}
	if rec.OriginalName != "v2.pdf" || rec.FilePath == oldKey {
		t.Errorf("record not rewritten: %+v", rec)
	}
	if blobs.Has(oldKey) {
		t.Error("old blob should be removed after replacement")
	}
	if !blobs.Has(rec.FilePath) {
		t.Error("new blob missing")
	}

	// completed without an open edit window is frozen
	s.db.Model(&models.FileRecord{}).Where("id = ?", fileID).Update("status", lifecycle.StatusCompleted)
	s.cache.Delete(fileCacheKey(fileID))
	body, ct = multipartUpload(t, map[string]string{"userId": fmt.Sprint(userID), "fileId": fileID}, "v3.pdf", "application/pdf", []byte("version three"))
	resp = performRequest(r, http.MethodPost, "/files/replace", body, ct)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("replace on completed: status=%d, want 400", resp.Code)
	}

	// an open edit window re-enables replacement
	minutes := 30
	started := time.Now().Add(-5 * time.Minute)
	s.db.Model(&models.FileRecord{}).Where("id = ?", fileID).Updates(map[string]interface{}{
		"edit_timer_minutes": minutes, "edit_timer_started_at": started,
	})
	s.cache.Delete(fileCacheKey(fileID))
	body, ct = multipartUpload(t, map[string]string{"userId": fmt.Sprint(userID), "fileId": fileID}, "v3.pdf", "application/pdf", []byte("version three"))
	resp = performRequest(r, http.MethodPost, "/files/replace", body, ct)
	if resp.Code != http.StatusOK {
		t.Fatalf("replace inside edit window: status=%d body=%s", resp.Code, resp.Body.String())
	}
}
