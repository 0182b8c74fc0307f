package main

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mimiq/mimiq/service"
)

func (app *App) handleSTSAction(w http.ResponseWriter, r *http.Request, params Params, region string) {
	switch action := params.Get("Action"); action {
	case "GetCallerIdentity":
		app.getCallerIdentity(w)
	case "AssumeRoleWithWebIdentity":
		app.assumeRoleWithWebIdentity(w, params)
	default:
		app.renderError(w, &service.Error{
			Code:    "Unimplemented",
			Message: "Unimplemented: " + action,
		})
	}
}

type getCallerIdentityResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		UserID  string `xml:"UserId"`
		Account string `xml:"Account"`
		ARN     string `xml:"Arn"`
	} `xml:"GetCallerIdentityResult"`
}

func (app *App) getCallerIdentity(w http.ResponseWriter) {
	var resp getCallerIdentityResponse
	resp.Result.UserID = "UserId"
	resp.Result.Account = app.Cfg.Identity.AccountID
	resp.Result.ARN = "Arn"
	app.renderXML(w, resp)
}

// kubernetesClaims is the `kubernetes.io` claim block of a service account
// projected token.
type kubernetesClaims struct {
	Namespace string `json:"namespace"`
	Pod       struct {
		Name string `json:"name"`
		UID  string `json:"uid"`
	} `json:"pod"`
	ServiceAccount struct {
		Name string `json:"name"`
		UID  string `json:"uid"`
	} `json:"serviceaccount"`
}

type webIdentityClaims struct {
	jwt.RegisteredClaims
	Kubernetes *kubernetesClaims `json:"kubernetes.io"`
}

type assumeRoleResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		Subject         string `xml:"SubjectFromWebIdentityToken"`
		Audience        string `xml:"Audience"`
		AssumedRoleUser struct {
			ARN           string `xml:"Arn"`
			AssumedRoleID string `xml:"AssumedRoleId"`
		} `xml:"AssumedRoleUser"`
		Credentials struct {
			AccessKeyID     string `xml:"AccessKeyId"`
			SecretAccessKey string `xml:"SecretAccessKey"`
			SessionToken    string `xml:"SessionToken"`
			Expiration      string `xml:"Expiration"`
		} `xml:"Credentials"`
		SourceIdentity string `xml:"SourceIdentity"`
		Provider       string `xml:"Provider"`
	} `xml:"AssumeRoleWithWebIdentityResult"`
}

// assumeRoleWithWebIdentity accepts a Kubernetes service account token and
// answers with static fake credentials. The token's signature is never
// checked; the claims are only read to shape the response identity.
func (app *App) assumeRoleWithWebIdentity(w http.ResponseWriter, params Params) {
	var claims webIdentityClaims
	_, _, err := jwt.NewParser().ParseUnverified(params.Get("WebIdentityToken"), &claims)
	if err != nil {
		app.renderError(w, &service.Error{
			Code:    "InvalidIdentityToken",
			Message: "could not parse web identity token",
		})
		return
	}
	if claims.Kubernetes == nil {
		app.renderError(w, &service.Error{
			Code:    "InvalidIdentityToken",
			Message: "This is not a Kubernetes token!",
		})
		return
	}
	kube := claims.Kubernetes
	app.Log.Info("received kubernetes identity token",
		"namespace", kube.Namespace, "pod", kube.Pod.Name)

	var resp assumeRoleResponse
	resp.Result.Subject = claims.Subject
	resp.Result.Audience = strings.Join(claims.Audience, ",")
	resp.Result.AssumedRoleUser.ARN = fmt.Sprintf("arn:aws:sts::%s:assumed-role/%s/%s",
		app.Cfg.Identity.AccountID, kube.Namespace, kube.ServiceAccount.Name)
	resp.Result.AssumedRoleUser.AssumedRoleID = fmt.Sprintf("%s:%s", kube.Namespace, kube.ServiceAccount.UID)
	resp.Result.Credentials.AccessKeyID = "ASgeIAIOSFODNN7EXAMPLE"
	resp.Result.Credentials.SecretAccessKey = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYzEXAMPLEKEY"
	resp.Result.Credentials.SessionToken = "-------------------------"
	resp.Result.Credentials.Expiration = time.Now().Add(15 * time.Minute).UTC().Format(time.RFC3339)
	resp.Result.SourceIdentity = fmt.Sprintf("k8s/%s/%s", kube.Namespace, kube.Pod.Name)
	resp.Result.Provider = "www.amazon.com"
	app.renderXML(w, resp)
}
