package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/client/fhir"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	fhirModels "github.com/jagveer-loky/ab2d/ab2d/models/fhir"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/conf"
)

// System used by BFD to express "members of this Part D contract during
// month MM"; the month is appended as a two digit suffix.
const contractMonthSystem = "https://bluebutton.cms.gov/resources/variables/ptdcntrct"

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger sets the logger used to record requests sent to BFD.
func SetLogger(log logrus.FieldLogger) {
	logger = log
}

// APIClient covers the two upstream surfaces the pipeline needs: claims by
// beneficiary and enrollment by contract-month. Both are paged; callers
// follow the bundle's next link via GetNextBundle.
type APIClient interface {
	GetExplanationOfBenefit(jobData models.JobEnqueueArgs, patientID string) (*fhirModels.Bundle, error)
	GetEnrollment(contractNumber string, month, year int) (*fhirModels.Bundle, error)
	GetNextBundle(bundle *fhirModels.Bundle) (*fhirModels.Bundle, error)
}

type Config struct {
	BFDServer   string
	BasePath    string
	PageSize    int
	Timeout     time.Duration
	RetryMax    int
	ClientCert  string
	ClientKey   string
	CACert      string
	CheckCert   bool
}

func NewConfig(basePath string) Config {
	return Config{
		BFDServer:  conf.GetEnv("BFD_SERVER_LOCATION"),
		BasePath:   basePath,
		PageSize:   utils.GetEnvInt("BFD_PAGE_SIZE", 50),
		Timeout:    time.Duration(utils.GetEnvInt("BFD_TIMEOUT_MS", 30000)) * time.Millisecond,
		RetryMax:   utils.GetEnvInt("BFD_RETRY_MAX", 3),
		ClientCert: conf.GetEnv("BFD_CLIENT_CERT_FILE"),
		ClientKey:  conf.GetEnv("BFD_CLIENT_KEY_FILE"),
		CACert:     conf.GetEnv("BFD_CLIENT_CA_FILE"),
		CheckCert:  !utils.GetEnvBool("BFD_CHECK_CERT_DISABLED", false),
	}
}

type BFDClient struct {
	client fhir.Client
	config Config
}

var _ APIClient = &BFDClient{}

func NewBFDClient(config Config) (*BFDClient, error) {
	transport := http.DefaultTransport
	if config.ClientCert != "" && config.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.ClientCert, config.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("could not load BFD client certificate: %w", err)
		}
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

		if config.CheckCert {
			caCert, err := os.ReadFile(config.CACert)
			if err != nil {
				return nil, fmt.Errorf("could not read BFD CA file: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("could not append CA certificate(s)")
			}
			tlsConfig.RootCAs = caCertPool
		} else {
			tlsConfig.InsecureSkipVerify = true
			logger.Warn("BFD certificate check disabled")
		}

		transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = config.RetryMax
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{Transport: transport, Timeout: config.Timeout}

	return &BFDClient{
		client: fhir.NewClient(retryClient.StandardClient(), config.PageSize),
		config: config,
	}, nil
}

// GetExplanationOfBenefit returns the first page of EOB resources for the
// beneficiary, honoring the job's since value via _lastUpdated.
func (c *BFDClient) GetExplanationOfBenefit(jobData models.JobEnqueueArgs, patientID string) (*fhirModels.Bundle, error) {
	params := url.Values{}
	params.Set("patient", patientID)
	params.Set("excludeSAMHSA", "true")
	if jobData.Since != "" {
		params.Set("_lastUpdated", jobData.Since)
	}

	req, err := c.newRequest("/ExplanationOfBenefit", params, jobData.JobUUID)
	if err != nil {
		return nil, err
	}

	bundle, _, err := c.client.DoBundleRequest(req)
	return bundle, err
}

// GetEnrollment returns the first page of beneficiaries enrolled in the
// contract during the given month.
func (c *BFDClient) GetEnrollment(contractNumber string, month, year int) (*fhirModels.Bundle, error) {
	params := url.Values{}
	params.Set("_has:Coverage.extension", fmt.Sprintf("%s%02d|%s", contractMonthSystem, month, contractNumber))
	params.Set("_has:Coverage.rfrncyr", fmt.Sprintf("%d", year))

	req, err := c.newRequest("/Patient", params, "")
	if err != nil {
		return nil, err
	}

	bundle, _, err := c.client.DoBundleRequest(req)
	return bundle, err
}

// GetMetadata fetches the server's capability statement, a cheap probe that
// the configured endpoint and client identity actually work.
func (c *BFDClient) GetMetadata() (string, error) {
	req, err := c.newRequest("/metadata", url.Values{}, "")
	if err != nil {
		return "", err
	}
	return c.client.DoRaw(req)
}

// GetNextBundle follows the bundle's next link. It is an error to call it on
// a last page.
func (c *BFDClient) GetNextBundle(bundle *fhirModels.Bundle) (*fhirModels.Bundle, error) {
	next := bundle.NextLink()
	if next == "" {
		return nil, fmt.Errorf("bundle has no next link")
	}

	req, err := http.NewRequest("GET", next, nil)
	if err != nil {
		return nil, err
	}
	addRequestHeaders(req, uuid.NewRandom(), "")

	// The next link already encodes paging state; issue it unmodified.
	nextBundle, _, err := c.client.DoBundleRequest(req)
	return nextBundle, err
}

func (c *BFDClient) newRequest(path string, params url.Values, jobUUID string) (*http.Request, error) {
	req, err := http.NewRequest("GET", c.config.BFDServer+c.config.BasePath+path, nil)
	if err != nil {
		return nil, err
	}

	params.Set("_format", "application/fhir+json")
	req.URL.RawQuery = params.Encode()

	reqID := uuid.NewRandom()
	addRequestHeaders(req, reqID, jobUUID)
	logRequest(req)

	return req, nil
}

func addRequestHeaders(req *http.Request, reqID uuid.UUID, jobUUID string) {
	req.Header.Add("BFD-OriginalQueryTimestamp", time.Now().Format(time.RFC3339Nano))
	req.Header.Add("BFD-OriginalQueryId", reqID.String())
	req.Header.Add("BFD-OriginalUrl", req.URL.String())
	req.Header.Add("BFD-OriginalQuery", req.URL.RawQuery)
	req.Header.Add("IncludeIdentifiers", "mbi")
	req.Header.Add("X-Forwarded-Proto", "https")
	if jobUUID != "" {
		req.Header.Add("BFD-JobId", jobUUID)
	}
}

func logRequest(req *http.Request) {
	logger.WithFields(logrus.Fields{
		"bfd_query_id": req.Header.Get("BFD-OriginalQueryId"),
		"bfd_query_ts": req.Header.Get("BFD-OriginalQueryTimestamp"),
		"bfd_uri":      req.Header.Get("BFD-OriginalUrl"),
	}).Infoln("BFD request")
}
