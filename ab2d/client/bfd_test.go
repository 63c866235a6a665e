package client

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/jagveer-loky/ab2d/ab2d/models"
)

type BFDClientTestSuite struct {
	suite.Suite
	server *httptest.Server
	client *BFDClient
}

func (s *BFDClientTestSuite) SetupTest() {
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A next-link follow replays the same resource path with only the
		// cursor, so route on that before the path.
		if cursor := r.URL.Query().Get("cursor"); cursor != "" {
			s.Equal("abc", cursor)
			fmt.Fprint(w, `{"resourceType": "Bundle", "total": 1,
				"entry": [{"resource": {"resourceType": "ExplanationOfBenefit", "id": "eob-2"}}]}`)
			return
		}
		switch r.URL.Path {
		case "/v2/fhir/ExplanationOfBenefit":
			s.Equal("true", r.URL.Query().Get("excludeSAMHSA"))
			s.NotEmpty(r.Header.Get("BFD-OriginalQueryId"))
			s.Equal("mbi", r.Header.Get("IncludeIdentifiers"))
			fmt.Fprintf(w, `{"resourceType": "Bundle", "total": 1,
				"link": [{"relation": "next", "url": "%s/v2/fhir/ExplanationOfBenefit?cursor=abc"}],
				"entry": [{"resource": {"resourceType": "ExplanationOfBenefit", "id": "eob-1"}}]}`, s.server.URL)
		case "/v2/fhir/metadata":
			fmt.Fprint(w, `{"resourceType": "CapabilityStatement", "status": "active"}`)
		case "/v2/fhir/Patient":
			s.Contains(r.URL.Query().Get("_has:Coverage.extension"), "ptdcntrct06|Z0001")
			s.Equal("2024", r.URL.Query().Get("_has:Coverage.rfrncyr"))
			fmt.Fprint(w, `{"resourceType": "Bundle", "total": 2,
				"entry": [{"resource": {"resourceType": "Patient", "id": "bene-1"}},
					  {"resource": {"resourceType": "Patient", "id": "bene-2"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	client, err := NewBFDClient(Config{
		BFDServer: s.server.URL,
		BasePath:  "/v2/fhir",
		PageSize:  10,
		Timeout:   5 * time.Second,
	})
	s.NoError(err)
	s.client = client
}

func (s *BFDClientTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *BFDClientTestSuite) TestGetExplanationOfBenefit() {
	jobData := models.JobEnqueueArgs{JobUUID: "job-uuid", Since: "gt2024-01-01T00:00:00Z"}
	bundle, err := s.client.GetExplanationOfBenefit(jobData, "bene-1")
	s.NoError(err)
	s.Len(bundle.Entries, 1)
	s.NotEmpty(bundle.NextLink())

	next, err := s.client.GetNextBundle(bundle)
	s.NoError(err)
	s.Len(next.Entries, 1)
	s.Empty(next.NextLink())
}

func (s *BFDClientTestSuite) TestGetEnrollment() {
	bundle, err := s.client.GetEnrollment("Z0001", 6, 2024)
	s.NoError(err)
	s.EqualValues(2, bundle.Total)
}

func (s *BFDClientTestSuite) TestGetMetadata() {
	body, err := s.client.GetMetadata()
	s.NoError(err)
	s.Contains(body, "CapabilityStatement")
}

func (s *BFDClientTestSuite) TestGetNextBundleLastPage() {
	b, err := s.client.GetEnrollment("Z0001", 6, 2024)
	s.NoError(err)
	_, err = s.client.GetNextBundle(b)
	s.EqualError(err, "bundle has no next link")
}

func TestBFDClientTestSuite(t *testing.T) {
	suite.Run(t, new(BFDClientTestSuite))
}
