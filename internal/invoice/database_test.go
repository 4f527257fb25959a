package invoice

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	newProject := func(id string) *Project {
		return &Project{
			ID:        id,
			OwnerID:   "user-1",
			Name:      "Expenses",
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
	}

	newImage := func(projectID, id string) *Image {
		return &Image{
			ID:               id,
			ProjectID:        projectID,
			OwnerID:          "user-1",
			ObjectReference:  "projects/" + projectID + "/images/" + id + ".png",
			OriginalFilename: "receipt.png",
			ContentType:      "image/png",
			Status:           StatusUploaded,
			CreatedAt:        time.Now(),
			UpdatedAt:        time.Now(),
			UploadedAt:       time.Now(),
		}
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("CreateProject", func() {
		var err error

		JustBeforeEach(func() {
			err = db.CreateProject(newProject("project-1"))
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the project", func() {
				saved, getErr := db.GetProject("project-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.ID).To(Equal("project-1"))
			})
		})

		When("the id already exists", func() {
			BeforeEach(func() {
				Expect(db.CreateProject(newProject("project-1"))).To(Succeed())
			})

			It("returns a conflict", func() {
				Expect(err).To(MatchError(ErrConflict))
			})
		})
	})

	Describe("CreateImage", func() {
		var err error

		BeforeEach(func() {
			Expect(db.CreateProject(newProject("project-1"))).To(Succeed())
		})

		JustBeforeEach(func() {
			err = db.CreateImage(newImage("project-1", "img-1"))
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the image", func() {
				saved, getErr := db.GetImage("project-1", "img-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Status).To(Equal(StatusUploaded))
			})
		})

		When("the id already exists in the project", func() {
			BeforeEach(func() {
				Expect(db.CreateImage(newImage("project-1", "img-1"))).To(Succeed())
			})

			It("returns a conflict", func() {
				Expect(err).To(MatchError(ErrConflict))
			})
		})

		When("the project does not exist", func() {
			JustBeforeEach(func() {
				err = db.CreateImage(newImage("project-9", "img-1"))
			})

			It("returns not found", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("UpdateImage", func() {
		var (
			fields map[string]any
			err    error
		)

		BeforeEach(func() {
			Expect(db.CreateProject(newProject("project-1"))).To(Succeed())
			Expect(db.CreateImage(newImage("project-1", "img-1"))).To(Succeed())
			fields = map[string]any{
				"status":   StatusOCRComplete,
				"ocr_text": "TOTAL $42.75",
			}
		})

		JustBeforeEach(func() {
			err = db.UpdateImage("project-1", "img-1", fields)
		})

		When("updating succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should replace the supplied fields", func() {
				saved, _ := db.GetImage("project-1", "img-1")
				Expect(saved.Status).To(Equal(StatusOCRComplete))
				Expect(saved.OCRText).To(HaveValue(Equal("TOTAL $42.75")))
			})

			It("should leave other fields alone", func() {
				saved, _ := db.GetImage("project-1", "img-1")
				Expect(saved.ObjectReference).To(Equal("projects/project-1/images/img-1.png"))
			})

			It("should stamp updated_at", func() {
				saved, _ := db.GetImage("project-1", "img-1")
				Expect(saved.UpdatedAt).To(BeTemporally(">", saved.CreatedAt))
			})
		})

		When("a field can be cleared", func() {
			BeforeEach(func() {
				Expect(db.UpdateImage("project-1", "img-1", map[string]any{
					"error_message": "previous failure",
				})).To(Succeed())
				fields = map[string]any{"error_message": nil}
			})

			It("sets the field back to null", func() {
				Expect(err).NotTo(HaveOccurred())
				saved, _ := db.GetImage("project-1", "img-1")
				Expect(saved.ErrorMessage).To(BeNil())
			})
		})

		When("a field is not updatable", func() {
			BeforeEach(func() {
				fields = map[string]any{"object_reference": "projects/other/thing.png"}
			})

			It("rejects the whole update", func() {
				Expect(IsValidation(err)).To(BeTrue())
			})

			It("changes nothing", func() {
				saved, _ := db.GetImage("project-1", "img-1")
				Expect(saved.ObjectReference).To(Equal("projects/project-1/images/img-1.png"))
			})
		})

		When("the image does not exist", func() {
			JustBeforeEach(func() {
				err = db.UpdateImage("project-1", "missing", fields)
			})

			It("returns not found", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("ListImagesByProject", func() {
		BeforeEach(func() {
			Expect(db.CreateProject(newProject("project-1"))).To(Succeed())

			first := newImage("project-1", "img-1")
			first.CreatedAt = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
			second := newImage("project-1", "img-2")
			second.CreatedAt = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

			// Insert newest first to prove ordering comes from created_at
			Expect(db.CreateImage(second)).To(Succeed())
			Expect(db.CreateImage(first)).To(Succeed())
		})

		It("returns records ordered by creation time", func() {
			images, err := db.ListImagesByProject("project-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(HaveLen(2))
			Expect(images[0].ID).To(Equal("img-1"))
			Expect(images[1].ID).To(Equal("img-2"))
		})

		It("returns an empty slice for an unknown project", func() {
			images, err := db.ListImagesByProject("project-9")
			Expect(err).NotTo(HaveOccurred())
			Expect(images).To(BeEmpty())
		})
	})

	Describe("DeleteProject", func() {
		BeforeEach(func() {
			Expect(db.CreateProject(newProject("project-1"))).To(Succeed())
			Expect(db.CreateImage(newImage("project-1", "img-1"))).To(Succeed())
		})

		It("removes the project and its images", func() {
			Expect(db.DeleteProject("project-1")).To(Succeed())

			_, err := db.GetProject("project-1")
			Expect(err).To(MatchError(ErrNotFound))

			_, err = db.GetImage("project-1", "img-1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns not found for an unknown project", func() {
			Expect(db.DeleteProject("project-9")).To(MatchError(ErrNotFound))
		})
	})

	Describe("DeleteImage", func() {
		BeforeEach(func() {
			Expect(db.CreateProject(newProject("project-1"))).To(Succeed())
			Expect(db.CreateImage(newImage("project-1", "img-1"))).To(Succeed())
		})

		It("removes the record", func() {
			Expect(db.DeleteImage("project-1", "img-1")).To(Succeed())
			_, err := db.GetImage("project-1", "img-1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns not found for an unknown record", func() {
			Expect(db.DeleteImage("project-1", "missing")).To(MatchError(ErrNotFound))
		})
	})
})
