package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ledgerlens/ledgerlens/internal/identity"
)

// mockVerifier is a mock implementation of identity.Verifier
type mockVerifier struct {
	principals map[string]*identity.Principal
}

func newMockVerifier() *mockVerifier {
	return &mockVerifier{
		principals: map[string]*identity.Principal{
			"token-1": {UserID: "user-1", Email: "owner@example.com"},
			"token-2": {UserID: "user-2", Email: "stranger@example.com"},
		},
	}
}

func (m *mockVerifier) Verify(ctx context.Context, credential string) (*identity.Principal, error) {
	principal, ok := m.principals[credential]
	if !ok {
		return nil, errors.New("invalid credential")
	}
	return principal, nil
}

var _ = Describe("Server", func() {
	var (
		db         *mockDB
		blobStore  *mockBlobStore
		ocrProv    *mockOCRProvider
		analyzer   *mockAnalysisProvider
		timeSrc    *mockTimeSource
		service    *Service
		server     *Server
		testServer *httptest.Server
	)

	do := func(method, path, token string, body any) *http.Response {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, testServer.URL+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	BeforeEach(func() {
		db = newMockDB()
		blobStore = newMockBlobStore()
		ocrProv = newMockOCRProvider()
		analyzer = newMockAnalysisProvider()
		timeSrc = &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
		service = NewServiceWithDeps(db, blobStore, ocrProv, analyzer, timeSrc)
		server = NewServerWithMux(service, newMockVerifier(), nil, http.NewServeMux())

		db.projects["project-1"] = &Project{ID: "project-1", OwnerID: "user-1", Name: "Expenses"}
		db.images["project-1"] = make(map[string]*Image)

		testServer = httptest.NewServer(server)
	})

	AfterEach(func() {
		if testServer != nil {
			testServer.Close()
		}
	})

	Describe("authentication", func() {
		It("rejects requests without a token", func() {
			resp := do("GET", "/api/projects/project-1/images", "", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("rejects requests with an unknown token", func() {
			resp := do("GET", "/api/projects/project-1/images", "bogus", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("advertises the bearer scheme", func() {
			resp := do("GET", "/api/projects/project-1/images", "", nil)
			defer resp.Body.Close()
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Bearer"))
		})
	})

	Describe("POST /api/projects", func() {
		It("creates a project for the caller", func() {
			resp := do("POST", "/api/projects", "token-1", map[string]string{"name": "Trip"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var project Project
			decode(resp, &project)
			Expect(project.OwnerID).To(Equal("user-1"))
			Expect(project.Name).To(Equal("Trip"))
		})

		It("rejects a blank name", func() {
			resp := do("POST", "/api/projects", "token-1", map[string]string{"name": " "})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/projects/{projectID}/images", func() {
		var confirm map[string]string

		BeforeEach(func() {
			confirm = map[string]string{
				"id":                "img-1",
				"object_reference":  "projects/project-1/images/abc_a.png",
				"original_filename": "a.png",
				"content_type":      "image/png",
			}
		})

		It("creates the record in the uploaded state", func() {
			resp := do("POST", "/api/projects/project-1/images", "token-1", confirm)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var img imageResponse
			decode(resp, &img)
			Expect(img.Status).To(Equal(StatusUploaded))
			Expect(img.RetryEligible).To(BeFalse())
		})

		It("returns 409 for a duplicate id", func() {
			resp := do("POST", "/api/projects/project-1/images", "token-1", confirm)
			resp.Body.Close()
			resp = do("POST", "/api/projects/project-1/images", "token-1", confirm)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("returns 400 for a missing id", func() {
			delete(confirm, "id")
			resp := do("POST", "/api/projects/project-1/images", "token-1", confirm)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for another user's project", func() {
			resp := do("POST", "/api/projects/project-1/images", "token-2", confirm)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/projects/{projectID}/images/{id}", func() {
		BeforeEach(func() {
			db.images["project-1"]["img-1"] = &Image{
				ID: "img-1", ProjectID: "project-1", OwnerID: "user-1",
				Status: StatusOCRFailed, UpdatedAt: timeSrc.now,
			}
		})

		It("returns the record with the retry annotation", func() {
			resp := do("GET", "/api/projects/project-1/images/img-1", "token-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var img imageResponse
			decode(resp, &img)
			Expect(img.Status).To(Equal(StatusOCRFailed))
			Expect(img.RetryEligible).To(BeTrue())
		})

		It("returns 404 for another user's record", func() {
			resp := do("GET", "/api/projects/project-1/images/img-1", "token-2", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns 404 for a missing record", func() {
			resp := do("GET", "/api/projects/project-1/images/missing", "token-1", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/projects/{projectID}/images/upload-url", func() {
		It("issues a write location", func() {
			resp := do("POST", "/api/projects/project-1/images/upload-url", "token-1",
				map[string]string{"filename": "receipt.jpg", "content_type": "image/jpeg"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var loc WriteLocation
			decode(resp, &loc)
			Expect(loc.Method).To(Equal("PUT"))
			Expect(loc.ObjectPath).To(HavePrefix("projects/project-1/images/"))
		})
	})

	Describe("POST /api/projects/{projectID}/images/{id}/ocr", func() {
		BeforeEach(func() {
			db.images["project-1"]["img-1"] = &Image{
				ID: "img-1", ProjectID: "project-1", OwnerID: "user-1",
				ObjectReference: "projects/project-1/images/a.png",
				Status:          StatusUploaded, UpdatedAt: timeSrc.now,
			}
		})

		It("runs the stage and returns the updated record", func() {
			resp := do("POST", "/api/projects/project-1/images/img-1/ocr", "token-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var img imageResponse
			decode(resp, &img)
			Expect(img.Status).To(Equal(StatusOCRComplete))
		})

		It("returns 200 with the failure folded in when the provider fails", func() {
			ocrProv.err = errors.New("provider unavailable")

			resp := do("POST", "/api/projects/project-1/images/img-1/ocr", "token-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var img imageResponse
			decode(resp, &img)
			Expect(img.Status).To(Equal(StatusOCRFailed))
			Expect(img.RetryEligible).To(BeTrue())
		})

		It("returns 422 when the record is past the stage", func() {
			db.images["project-1"]["img-1"].Status = StatusAnalysisComplete

			resp := do("POST", "/api/projects/project-1/images/img-1/ocr", "token-1", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("POST /api/projects/{projectID}/images/{id}/analysis", func() {
		BeforeEach(func() {
			text := "ACME Store\nTOTAL $42.75"
			db.images["project-1"]["img-1"] = &Image{
				ID: "img-1", ProjectID: "project-1", OwnerID: "user-1",
				ObjectReference: "projects/project-1/images/a.png",
				Status:          StatusOCRComplete, OCRText: &text, UpdatedAt: timeSrc.now,
			}
		})

		It("runs the stage and returns the extraction", func() {
			resp := do("POST", "/api/projects/project-1/images/img-1/analysis", "token-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var img imageResponse
			decode(resp, &img)
			Expect(img.Status).To(Equal(StatusAnalysisComplete))
			Expect(img.Analysis.MerchantName).To(Equal("ACME Store"))
		})

		It("accepts a text override in the body", func() {
			resp := do("POST", "/api/projects/project-1/images/img-1/analysis", "token-1",
				map[string]string{"ocr_text": "override text"})
			resp.Body.Close()
			Expect(analyzer.lastPrompt).To(ContainSubstring("override text"))
		})

		It("returns 422 before OCR has completed", func() {
			db.images["project-1"]["img-1"].Status = StatusUploaded

			resp := do("POST", "/api/projects/project-1/images/img-1/analysis", "token-1", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("PUT /api/projects/{projectID}/images/{id}/correction", func() {
		BeforeEach(func() {
			db.images["project-1"]["img-1"] = &Image{
				ID: "img-1", ProjectID: "project-1", OwnerID: "user-1",
				Status: StatusAnalysisNotInvoice, UpdatedAt: timeSrc.now,
			}
		})

		It("applies the correction", func() {
			resp := do("PUT", "/api/projects/project-1/images/img-1/correction", "token-1",
				map[string]any{"status": "analysis_complete"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var img imageResponse
			decode(resp, &img)
			Expect(img.Status).To(Equal(StatusAnalysisComplete))
		})

		It("rejects an unknown status", func() {
			resp := do("PUT", "/api/projects/project-1/images/img-1/correction", "token-1",
				map[string]any{"status": "banana"})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("DELETE /api/projects/{projectID}/images/{id}", func() {
		BeforeEach(func() {
			db.images["project-1"]["img-1"] = &Image{
				ID: "img-1", ProjectID: "project-1", OwnerID: "user-1",
				ObjectReference: "projects/project-1/images/a.png",
			}
		})

		It("reports both outcomes", func() {
			resp := do("DELETE", "/api/projects/project-1/images/img-1", "token-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result DeleteResult
			decode(resp, &result)
			Expect(result.RecordDeleted).To(BeTrue())
			Expect(result.BlobDeleted).To(BeTrue())
		})

		It("reports a blob failure without failing the request", func() {
			blobStore.deleteErr = errors.New("bucket unavailable")

			resp := do("DELETE", "/api/projects/project-1/images/img-1", "token-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result DeleteResult
			decode(resp, &result)
			Expect(result.RecordDeleted).To(BeTrue())
			Expect(result.BlobDeleted).To(BeFalse())
		})
	})

	Describe("blob routes", func() {
		var local *LocalBlobStore

		BeforeEach(func() {
			var err error
			local, err = NewLocalBlobStore(GinkgoT().TempDir(), "http://localhost", "test-secret")
			Expect(err).NotTo(HaveOccurred())

			service = NewServiceWithDeps(db, local, ocrProv, analyzer, timeSrc)
			server = NewServerWithMux(service, newMockVerifier(), local, http.NewServeMux())
			testServer.Close()
			testServer = httptest.NewServer(server)
		})

		It("round trips a blob through signed references", func() {
			loc, err := local.SignedWriteURL(context.Background(), "projects/project-1/images/a.png", "image/png")
			Expect(err).NotTo(HaveOccurred())

			putURL := testServer.URL + loc.URL[len("http://localhost"):]
			req, err := http.NewRequest("PUT", putURL, bytes.NewReader([]byte("image bytes")))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			read, err := local.SignedReadURL(context.Background(), "projects/project-1/images/a.png")
			Expect(err).NotTo(HaveOccurred())

			getURL := testServer.URL + read.URL[len("http://localhost"):]
			resp, err = http.Get(getURL)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("image bytes"))
		})

		It("rejects an unsigned write", func() {
			req, err := http.NewRequest("PUT", testServer.URL+"/blobs/projects/project-1/images/a.png?exp=99999999999&sig=bad", bytes.NewReader([]byte("x")))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})
	})
})
