package invoice

import (
	"context"
	"net/url"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalBlobStore", func() {
	var (
		store *LocalBlobStore
	)

	BeforeEach(func() {
		var err error
		store, err = NewLocalBlobStore(GinkgoT().TempDir(), "http://localhost:8080", "test-secret")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewLocalBlobStore", func() {
		It("requires a signing secret", func() {
			_, err := NewLocalBlobStore(GinkgoT().TempDir(), "http://localhost:8080", "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("SignedWriteURL", func() {
		var (
			loc *WriteLocation
			err error
		)

		JustBeforeEach(func() {
			loc, err = store.SignedWriteURL(context.Background(), "projects/p1/images/a.png", "image/png")
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("points at the blob route", func() {
			Expect(loc.URL).To(HavePrefix("http://localhost:8080/blobs/projects/p1/images/a.png?"))
		})

		It("uses the PUT method", func() {
			Expect(loc.Method).To(Equal("PUT"))
		})

		It("carries a verifiable signature", func() {
			parsed, parseErr := url.Parse(loc.URL)
			Expect(parseErr).NotTo(HaveOccurred())
			path := strings.TrimPrefix(parsed.Path, "/blobs/")
			query := parsed.Query()
			Expect(store.VerifySignature("PUT", path, query.Get("exp"), query.Get("sig"))).To(BeTrue())
		})

		It("does not verify for a different method", func() {
			parsed, _ := url.Parse(loc.URL)
			path := strings.TrimPrefix(parsed.Path, "/blobs/")
			query := parsed.Query()
			Expect(store.VerifySignature("GET", path, query.Get("exp"), query.Get("sig"))).To(BeFalse())
		})
	})

	Describe("VerifySignature", func() {
		It("rejects a tampered path", func() {
			loc, err := store.SignedReadURL(context.Background(), "projects/p1/images/a.png")
			Expect(err).NotTo(HaveOccurred())
			query, _ := url.Parse(loc.URL)
			values := query.Query()
			Expect(store.VerifySignature("GET", "projects/p1/images/b.png", values.Get("exp"), values.Get("sig"))).To(BeFalse())
		})

		It("rejects an expired reference", func() {
			Expect(store.VerifySignature("GET", "projects/p1/images/a.png", "1000000000", store.signature("GET", "projects/p1/images/a.png", "1000000000"))).To(BeFalse())
		})

		It("rejects a garbage expiry", func() {
			Expect(store.VerifySignature("GET", "a.png", "soon", "whatever")).To(BeFalse())
		})
	})

	Describe("Save and Get", func() {
		It("round trips blob data", func() {
			Expect(store.Save("projects/p1/images/a.png", []byte("image bytes"))).To(Succeed())
			data, err := store.Get("projects/p1/images/a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("image bytes"))
		})

		It("rejects traversal paths", func() {
			Expect(store.Save("../outside.png", []byte("x"))).To(HaveOccurred())
			_, err := store.Get("/etc/passwd")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Delete", func() {
		It("removes the blob", func() {
			Expect(store.Save("projects/p1/images/a.png", []byte("image bytes"))).To(Succeed())
			Expect(store.Delete(context.Background(), "projects/p1/images/a.png")).To(Succeed())
			_, err := store.Get("projects/p1/images/a.png")
			Expect(err).To(HaveOccurred())
		})
	})
})
