package logic

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
	"warbler/dto"
	"warbler/shared"
)

//go:generate mockgen --build_flags=--mod=mod -destination mock_activity_sender_test.go -package logic warbler/logic IActivitySender

type IActivitySender interface {
	Send(privKey *rsa.PrivateKey, sendingUser, inboxUrl string, activity *dto.ActivityOut) error
}

type activitySender struct {
	cfg       *shared.Config
	logger    shared.ILogger
	userAgent shared.IUserAgent
	metrics   IMetrics
	idb       shared.IdBuilder
}

func NewActivitySender(cfg *shared.Config,
	logger shared.ILogger,
	userAgent shared.IUserAgent,
	metrics IMetrics,
) IActivitySender {
	return &activitySender{cfg, logger, userAgent, metrics, shared.IdBuilder{Host: cfg.Host}}
}

func (sender *activitySender) Send(
	privKey *rsa.PrivateKey,
	sendingUser,
	inboxUrl string,
	activity *dto.ActivityOut,
) error {

	obs := sender.metrics.StartApubRequestOut("post")
	defer obs.Finish()

	host := strings.Replace(inboxUrl, "https://", "", -1)
	slashIx := strings.IndexByte(host, '/')
	if slashIx == -1 {
		return fmt.Errorf("invalid inbox url: %v", inboxUrl)
	}
	host = host[:slashIx]

	bodyJson, _ := json.Marshal(activity)
	dateStr := time.Now().UTC().Format(http.TimeFormat)

	req, err := http.NewRequest("POST", inboxUrl, bytes.NewBuffer(bodyJson))
	if err != nil {
		return err
	}
	sender.userAgent.AddUserAgent(req)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("host", host)
	req.Header.Set("date", dateStr)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "Host", "date", "digest"},
		httpsig.Signature,
		0)
	if err != nil {
		return err
	}

	keyId := sender.idb.UserKeyId(sendingUser)
	err = signer.SignRequest(privKey, keyId, req, bodyJson)
	if err != nil {
		return err
	}

	client := http.Client{}
	client.Timeout = time.Second * time.Duration(sender.cfg.FetchTimeoutSec)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		msg := fmt.Sprintf("got status %s: response: %s", resp.Status, respBody)
		// 404 and 410 just mean the recipient is gone; anything else 4xx
		// smells like a signing or payload defect on our end.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != 404 && resp.StatusCode != 410 {
			sender.logger.Warnf("Activity POST rejected (probable signing/payload defect): %s", msg)
		} else {
			sender.logger.Infof("Activity POST failed: %s", msg)
		}
		return errors.New(msg)
	}

	return nil
}
