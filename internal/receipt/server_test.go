package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-analyzer/internal/scanning"
)

// newSessionClient returns a client that keeps the session cookie between requests
func newSessionClient() *http.Client {
	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	return &http.Client{Jar: jar}
}

func multipartBody(field, filename string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if field != "" {
		part, err := writer.CreateFormFile(field, filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(body)
}

func errorBody(resp *http.Response) string {
	var body map[string]string
	Expect(json.Unmarshal([]byte(readBody(resp)), &body)).To(Succeed())
	return body["error"]
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		scanner     *mockScanner
		storage     *mockStorage
		limits      Limits
		auth        BasicAuth
		service     *Service
		server      *Server
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	BeforeEach(func() {
		db = newMockDB()
		scanner = newMockScanner()
		storage = newMockStorage()
		limits = Limits{}
		auth = BasicAuth{}
		client = newSessionClient()
	})

	JustBeforeEach(func() {
		service = NewService(db, scanner, storage, limits)
		server = NewServerWithMux(service, auth, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`^/`), server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(filename string, data []byte) *http.Response {
		body, contentType := multipartBody("file", filename, data)
		return do("POST", "/api/upload", body, contentType)
	}

	Describe("handleIndex", func() {
		When("request method is GET", func() {
			It("should return HTML containing Receipt Analyzer", func() {
				resp := do("GET", "/", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/html"))
				Expect(readBody(resp)).To(ContainSubstring("Receipt Analyzer"))
			})
		})

		When("request method is not GET", func() {
			It("should return status Method Not Allowed", func() {
				resp := do("POST", "/", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
				resp.Body.Close()
			})
		})

		When("the path is unknown", func() {
			It("should return status Not Found", func() {
				resp := do("GET", "/nope", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				resp.Body.Close()
			})
		})
	})

	Describe("static assets", func() {
		It("should serve the stylesheet", func() {
			resp := do("GET", "/static/app.css", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/css"))
			resp.Body.Close()
		})

		It("should serve the script", func() {
			resp := do("GET", "/static/app.js", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(ContainSubstring("navigator.clipboard"))
		})
	})

	Describe("metrics", func() {
		It("should expose Prometheus metrics", func() {
			resp := do("GET", "/metrics", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do("OPTIONS", "/api/analyze", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			resp.Body.Close()
		})
	})

	Describe("sessions", func() {
		It("should set a session cookie on the first upload", func() {
			resp := upload("receipt.png", testPNG())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Cookies()).To(ContainElement(HaveField("Name", sessionCookieName)))
			resp.Body.Close()
			Expect(db.count()).To(Equal(1))
		})

		It("should not start sessions for requests without an upload", func() {
			for i := 0; i < 25; i++ {
				client = newSessionClient()
				for _, route := range []struct{ method, path string }{
					{"GET", "/api/analysis"},
					{"GET", "/api/analysis/markdown"},
					{"GET", "/api/upload/image"},
					{"DELETE", "/api/analysis"},
					{"POST", "/api/analyze"},
					{"DELETE", "/api/session"},
				} {
					resp := do(route.method, route.path, nil, "")
					Expect(resp.StatusCode).To(BeNumerically("<", http.StatusInternalServerError), route.path)
					resp.Body.Close()
				}
			}
			Expect(db.count()).To(Equal(0))
		})

		It("should treat a stale cookie as an empty session", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/analysis", nil)
			Expect(err).NotTo(HaveOccurred())
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "expired"})
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()

			resp = upload("receipt.png", testPNG())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()
			Expect(db.count()).To(Equal(1))
		})

		It("should keep results separate per session", func() {
			resp := upload("receipt.png", testPNG())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()
			resp = do("POST", "/api/analyze", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			client = newSessionClient()
			resp = do("GET", "/api/analysis", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
		})

		It("should end the session", func() {
			resp := upload("receipt.png", testPNG())
			resp.Body.Close()

			resp = do("DELETE", "/api/session", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
			Expect(storage.count()).To(Equal(0))
			Expect(db.count()).To(Equal(0))

			resp = do("GET", "/api/upload/image", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("should report an analysis after the session was swept as missing", func() {
			resp := upload("receipt.png", testPNG())
			resp.Body.Close()
			resp = do("POST", "/api/analyze", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			swept, err := service.SweepIdle(-time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(Equal(1))

			resp = do("GET", "/api/analysis", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()

			resp = do("POST", "/api/analyze", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorBody(resp)).To(ContainSubstring("Upload a receipt"))
		})
	})

	Describe("handleUpload", func() {
		When("the file is a PNG", func() {
			It("should return status Created with the upload", func() {
				resp := upload("receipt.png", testPNG())
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var got Upload
				Expect(json.Unmarshal([]byte(readBody(resp)), &got)).To(Succeed())
				Expect(got.ContentType).To(Equal("image/png"))
				Expect(got.Filename).To(Equal("receipt.png"))
			})

			It("should serve the uploaded image for preview", func() {
				data := testPNG()
				resp := upload("receipt.png", data)
				resp.Body.Close()

				resp = do("GET", "/api/upload/image", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
				Expect([]byte(readBody(resp))).To(Equal(data))
			})
		})

		When("no file is sent", func() {
			It("should return status Bad Request", func() {
				body, contentType := multipartBody("", "", nil)
				resp := do("POST", "/api/upload", body, contentType)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorBody(resp)).To(ContainSubstring("No file was selected"))
			})
		})

		When("the body is not a form", func() {
			It("should return status Bad Request", func() {
				resp := do("POST", "/api/upload", bytes.NewBufferString("nope"), "text/plain")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("the file is not an image", func() {
			It("should return status Unsupported Media Type", func() {
				resp := upload("notes.png", []byte("plain text pretending to be a png"))
				Expect(resp.StatusCode).To(Equal(http.StatusUnsupportedMediaType))
				Expect(errorBody(resp)).To(ContainSubstring("Unsupported file type"))
			})
		})

		When("the file exceeds the upload limit", func() {
			BeforeEach(func() {
				limits.MaxUploadSize = 32
			})

			It("should return status Request Entity Too Large", func() {
				resp := upload("receipt.png", testPNG())
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
				resp.Body.Close()
			})
		})

		When("storage fails", func() {
			BeforeEach(func() {
				storage.stageErr = errors.New("disk full")
			})

			It("should return status Internal Server Error", func() {
				resp := upload("receipt.png", testPNG())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				resp.Body.Close()
			})
		})
	})

	Describe("handleUploadedImage", func() {
		It("should return status Not Found before an upload", func() {
			resp := do("GET", "/api/upload/image", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("handleAnalyze", func() {
		When("nothing was uploaded", func() {
			It("should return status Bad Request", func() {
				resp := do("POST", "/api/analyze", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorBody(resp)).To(ContainSubstring("Upload a receipt"))
			})
		})

		When("an image was uploaded", func() {
			JustBeforeEach(func() {
				resp := upload("receipt.png", testPNG())
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()
			})

			It("should return the analysis", func() {
				resp := do("POST", "/api/analyze", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var analysis Analysis
				Expect(json.Unmarshal([]byte(readBody(resp)), &analysis)).To(Succeed())
				Expect(analysis.Markdown).To(Equal(scanner.result.Text))
			})

			When("the scanner reports extracted lines", func() {
				BeforeEach(func() {
					scanner.result = &scanning.Result{
						Strategy: "ocr",
						Text:     "## Items\n",
						Lines:    []string{"Items", "Tea - 2.00"},
					}
				})

				It("should omit them by default", func() {
					resp := do("POST", "/api/analyze", nil, "")
					Expect(readBody(resp)).NotTo(ContainSubstring("extracted_text"))
				})

				It("should include them in debug mode", func() {
					resp := do("POST", "/api/analyze?debug=1", nil, "")
					var analysis Analysis
					Expect(json.Unmarshal([]byte(readBody(resp)), &analysis)).To(Succeed())
					Expect(analysis.ExtractedText).To(Equal([]string{"Items", "Tea - 2.00"}))
				})
			})

			When("the API key is missing", func() {
				BeforeEach(func() {
					scanner.scan = scanning.NewUnconfigured("hugging face").ScanReceipt
				})

				It("should return status Service Unavailable", func() {
					resp := do("POST", "/api/analyze", nil, "")
					Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
					Expect(errorBody(resp)).To(ContainSubstring("missing API key"))
				})
			})

			When("the analysis times out", func() {
				BeforeEach(func() {
					limits.AnalysisTimeout = 20 * time.Millisecond
					scanner.scan = func(ctx context.Context, _ []byte, _ string) (*scanning.Result, error) {
						<-ctx.Done()
						return nil, ctx.Err()
					}
				})

				It("should return status Gateway Timeout", func() {
					resp := do("POST", "/api/analyze", nil, "")
					Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))
					resp.Body.Close()
				})
			})

			When("the provider circuit is open", func() {
				BeforeEach(func() {
					scanner.err = fmt.Errorf("huggingface: %w", scanning.ErrProviderUnavailable)
				})

				It("should return status Service Unavailable", func() {
					resp := do("POST", "/api/analyze", nil, "")
					Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
					Expect(errorBody(resp)).To(ContainSubstring("temporarily unavailable"))
				})
			})

			When("the scanner fails", func() {
				BeforeEach(func() {
					scanner.err = errors.New("model unavailable")
				})

				It("should return status Bad Gateway with the cause", func() {
					resp := do("POST", "/api/analyze", nil, "")
					Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
					Expect(errorBody(resp)).To(ContainSubstring("model unavailable"))
				})
			})
		})
	})

	Describe("the current analysis", func() {
		JustBeforeEach(func() {
			resp := upload("receipt.png", testPNG())
			resp.Body.Close()
		})

		It("should return status No Content before any analysis", func() {
			resp := do("GET", "/api/analysis", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
		})

		When("an analysis completed", func() {
			JustBeforeEach(func() {
				resp := do("POST", "/api/analyze", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				resp.Body.Close()
			})

			It("should return it as JSON", func() {
				resp := do("GET", "/api/analysis", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				resp.Body.Close()
			})

			It("should return the exact markdown for copying", func() {
				resp := do("GET", "/api/analysis/markdown", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("text/markdown; charset=utf-8"))
				Expect(readBody(resp)).To(Equal(scanner.result.Text))
			})

			It("should clear it", func() {
				resp := do("DELETE", "/api/analysis", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				resp.Body.Close()

				resp = do("GET", "/api/analysis", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				resp.Body.Close()

				resp = do("GET", "/api/analysis/markdown", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				resp.Body.Close()
			})
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp := do("GET", "/", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			resp.Body.Close()
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/analysis", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "wrong")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			resp.Body.Close()
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:secret")))
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})
	})
})
