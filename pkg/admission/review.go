/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// objectMeta is the slice of the admitted object the pipeline needs.
type objectMeta struct {
	Metadata struct {
		Name        string            `json:"name"`
		Annotations map[string]string `json:"annotations"`
	} `json:"metadata"`
}

// DecodeReview parses an admission.k8s.io/v1 AdmissionReview envelope.
func DecodeReview(body []byte) (*admissionv1.AdmissionReview, error) {
	review := &admissionv1.AdmissionReview{}
	if err := json.Unmarshal(body, review); err != nil {
		return nil, fmt.Errorf("decoding admission review, %w", err)
	}
	if review.Request == nil {
		return nil, fmt.Errorf("admission review has no request")
	}
	return review, nil
}

// NormalizeRequest flattens the wire request into the pipeline's input,
// pulling the object name and annotations out of the embedded object.
func NormalizeRequest(ar *admissionv1.AdmissionRequest) Request {
	req := Request{
		UID:       string(ar.UID),
		Kind:      ar.Kind.Kind,
		Namespace: ar.Namespace,
		Name:      ar.Name,
		Operation: string(ar.Operation),
		Username:  ar.UserInfo.Username,
		Groups:    ar.UserInfo.Groups,
	}
	req.DryRun = ar.DryRun
	if len(ar.Object.Raw) > 0 {
		meta := objectMeta{}
		if err := json.Unmarshal(ar.Object.Raw, &meta); err == nil {
			req.Annotations = meta.Metadata.Annotations
			if req.Name == "" {
				req.Name = meta.Metadata.Name
			}
		}
	}
	return req
}

// ReviewAdmission runs the pipeline for a decoded envelope and wraps the
// verdict back into a response envelope. Warnings are only present on allowed
// verdicts (dry-run shaping).
func (e *Engine) ReviewAdmission(ctx context.Context, review *admissionv1.AdmissionReview) *admissionv1.AdmissionReview {
	resp := e.Review(ctx, NormalizeRequest(review.Request))
	return responseReview(review, admissionResponse(resp))
}

// ErrorReview builds the response envelope for an undecodable request so the
// control plane still gets a well-formed answer.
func ErrorReview(uid string, err error) *admissionv1.AdmissionReview {
	review := &admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: admissionv1.SchemeGroupVersion.String(),
			Kind:       "AdmissionReview",
		},
	}
	review.Response = &admissionv1.AdmissionResponse{
		UID:     types.UID(uid),
		Allowed: false,
		Result: &metav1.Status{
			Code:    http.StatusInternalServerError,
			Message: err.Error(),
		},
	}
	return review
}

func admissionResponse(resp Response) *admissionv1.AdmissionResponse {
	out := &admissionv1.AdmissionResponse{
		UID:      types.UID(resp.UID),
		Allowed:  resp.Allowed,
		Warnings: resp.Warnings,
	}
	if !resp.Allowed {
		out.Result = &metav1.Status{
			Code:    resp.Code,
			Message: resp.Message,
		}
	}
	return out
}

func responseReview(in *admissionv1.AdmissionReview, resp *admissionv1.AdmissionResponse) *admissionv1.AdmissionReview {
	out := &admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: admissionv1.SchemeGroupVersion.String(),
			Kind:       "AdmissionReview",
		},
		Response: resp,
	}
	if in.APIVersion != "" {
		out.APIVersion = in.APIVersion
	}
	return out
}
