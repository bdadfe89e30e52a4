package retrieve

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radbridge/dicom-adapter/dicom"
	adperrors "github.com/radbridge/dicom-adapter/errors"
	"github.com/radbridge/dicom-adapter/requests"
	"github.com/radbridge/dicom-adapter/types"
)

// DICOMwebRetriever retrieves over QIDO-RS and WADO-RS.
type DICOMwebRetriever struct {
	httpClient *http.Client
	log        *logrus.Entry
}

// NewDICOMwebRetriever builds the retriever with a default HTTP client.
func NewDICOMwebRetriever(timeout time.Duration, log *logrus.Entry) *DICOMwebRetriever {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &DICOMwebRetriever{
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Retrieve resolves the selector via QIDO-RS when needed, then pulls each
// study with WADO-RS into destDir.
func (r *DICOMwebRetriever) Retrieve(ctx context.Context, resource requests.Resource, details requests.Details, destDir string) (*Result, error) {
	cd := resource.ConnectionDetails
	base := strings.TrimRight(cd.URI, "/")

	studyUIDs, err := r.resolveStudies(ctx, base, cd, details)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, uid := range studyUIDs {
		sub, err := r.retrieveStudy(ctx, base, cd, uid, destDir)
		if err != nil {
			return nil, err
		}
		result.Count += sub.Count
		result.InstanceUIDs = append(result.InstanceUIDs, sub.InstanceUIDs...)
	}
	return result, nil
}

func (r *DICOMwebRetriever) resolveStudies(ctx context.Context, base string, cd requests.ConnectionDetails, details requests.Details) ([]string, error) {
	switch details.Type {
	case requests.MetadataDicomUID:
		uids := make([]string, 0, len(details.Studies))
		for _, s := range details.Studies {
			uids = append(uids, s.StudyInstanceUID)
		}
		return uids, nil
	case requests.MetadataDicomPatientID:
		return r.qido(ctx, base, cd, url.Values{"PatientID": {details.PatientID}})
	case requests.MetadataAccessionNumber:
		var uids []string
		for _, accession := range details.AccessionNumbers {
			found, err := r.qido(ctx, base, cd, url.Values{"AccessionNumber": {accession}})
			if err != nil {
				return nil, err
			}
			uids = append(uids, found...)
		}
		return uids, nil
	default:
		return nil, adperrors.Ef(adperrors.KindValidationFailed, "dicomweb.resolve", "unsupported metadata type %q", details.Type)
	}
}

// qido queries /studies and extracts StudyInstanceUID (0020,000D) from each
// match.
func (r *DICOMwebRetriever) qido(ctx context.Context, base string, cd requests.ConnectionDetails, query url.Values) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/studies?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dicom+json")
	applyAuth(req, cd)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, adperrors.E(adperrors.KindTransientRemote, "dicomweb.qido", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := classifyHTTP(resp.StatusCode, "dicomweb.qido"); err != nil {
		return nil, err
	}

	var matches []map[string]struct {
		Value []any `json:"Value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return nil, adperrors.E(adperrors.KindPermanentRemote, "dicomweb.qido", err)
	}

	var uids []string
	for _, match := range matches {
		attr, ok := match["0020000D"]
		if !ok || len(attr.Value) == 0 {
			continue
		}
		if uid, ok := attr.Value[0].(string); ok && uid != "" {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

// retrieveStudy pulls one study with WADO-RS and writes each
// multipart/related part as a file in destDir.
func (r *DICOMwebRetriever) retrieveStudy(ctx context.Context, base string, cd requests.ConnectionDetails, studyUID, destDir string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/studies/"+studyUID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", `multipart/related; type="application/dicom"`)
	applyAuth(req, cd)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, adperrors.E(adperrors.KindTransientRemote, "dicomweb.wado", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return &Result{}, nil
	}
	if err := classifyHTTP(resp.StatusCode, "dicomweb.wado"); err != nil {
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, adperrors.Ef(adperrors.KindPermanentRemote, "dicomweb.wado",
			"unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	result := &Result{}
	reader := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, adperrors.E(adperrors.KindTransientRemote, "dicomweb.wado", err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, adperrors.E(adperrors.KindTransientRemote, "dicomweb.wado", err)
		}

		uid := instanceUID(data)
		if err := os.WriteFile(filepath.Join(destDir, uid+".dcm"), data, 0o640); err != nil {
			return nil, adperrors.E(adperrors.KindTransientIO, "dicomweb.wado", err)
		}
		result.Count++
		result.InstanceUIDs = append(result.InstanceUIDs, uid)
	}
	return result, nil
}

// instanceUID extracts the SOP instance UID for the filename, falling back
// to a random name for parts it cannot parse.
func instanceUID(data []byte) string {
	if dicom.HasPart10Header(data) {
		if dataset, ts, err := dicom.StripPart10Header(data); err == nil {
			if attrs, err := dicom.ExtractAttributes(dataset, ts); err == nil {
				return attrs.SOPInstanceUID
			}
		}
	} else if attrs, err := dicom.ExtractAttributes(data, types.ExplicitVRLittleEndian); err == nil {
		return attrs.SOPInstanceUID
	}
	return "unparsed-" + uuid.NewString()
}

func applyAuth(req *http.Request, cd requests.ConnectionDetails) {
	switch cd.AuthType {
	case requests.AuthBasic:
		req.Header.Set("Authorization", "Basic "+cd.AuthID)
	case requests.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cd.AuthID)
	}
}

// classifyHTTP maps response codes onto the transient/permanent split the
// worker retries on.
func classifyHTTP(status int, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return adperrors.Ef(adperrors.KindTransientRemote, op, "remote returned %d %s", status, http.StatusText(status))
	default:
		return adperrors.Ef(adperrors.KindPermanentRemote, op, "remote returned %d %s", status, http.StatusText(status))
	}
}
