package session

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	cms "github.com/github/smimesign/ietf-cms"
	"github.com/google/go-cmp/cmp"

	"github.com/shineum/smime-signer/internal/certstore"
	"github.com/shineum/smime-signer/internal/email"
	"github.com/shineum/smime-signer/internal/smime"
	"github.com/shineum/smime-signer/internal/testpki"
)

const sender = "alice@example.com"

var (
	pkiOnce sync.Once
	pki     *testpki.PKI
	pkiErr  error
)

func TestMain(m *testing.M) {
	if err := smime.Init(); err != nil {
		panic(err)
	}
	code := m.Run()
	smime.Shutdown()
	os.Exit(code)
}

func testPKI(t *testing.T) *testpki.PKI {
	t.Helper()
	pkiOnce.Do(func() {
		pki, pkiErr = testpki.New()
	})
	if pkiErr != nil {
		t.Fatalf("failed to create test PKI: %v", pkiErr)
	}
	return pki
}

// newStore registers sender with freshly issued key material.
func newStore(t *testing.T) *certstore.Store {
	t.Helper()
	p := testPKI(t)
	id, err := p.Issue(sender)
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}
	files, err := p.WriteFiles(t.TempDir(), id)
	if err != nil {
		t.Fatalf("failed to write key material: %v", err)
	}
	return certstore.New([]certstore.Identity{{
		Address:          sender,
		CertFile:         files.CertFile,
		KeyFile:          files.KeyFile,
		IntermediateFile: files.IntermediateFile,
	}})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMessage() *email.Message {
	return &email.Message{
		From: sender,
		To:   []string{"bob@example.com"},
		Header: email.Header{
			{Name: "From", Value: sender},
			{Name: "To", Value: "bob@example.com"},
			{Name: "Subject", Value: "quarterly report"},
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Transfer-Encoding", Value: "7bit"},
		},
		Body: []byte("Numbers attached.\r\n"),
	}
}

// recordingHost records every mutation and fails the one named by failOn.
type recordingHost struct {
	ops    []string
	failOn string
}

func (h *recordingHost) record(op string) error {
	if op == h.failOn {
		return errors.New("host refused " + op)
	}
	h.ops = append(h.ops, op)
	return nil
}

func (h *recordingHost) AddHeader(name, _ string) error { return h.record("add " + name) }
func (h *recordingHost) RemoveHeader(name string) error { return h.record("remove " + name) }
func (h *recordingHost) ReplaceBody(_ []byte) error     { return h.record("body") }

// failingMessage is a staged host that refuses to add one header.
type failingMessage struct {
	*email.Message
	failOn string
}

func (m *failingMessage) AddHeader(name, value string) error {
	if name == m.failOn {
		return errors.New("host refused " + name)
	}
	return m.Message.AddHeader(name, value)
}

func TestSignRegisteredSender(t *testing.T) {
	store := newStore(t)
	msg := newMessage()

	s := New(msg, "<"+sender+">", store, WithLogger(quietLogger()))
	s.Sign(msg.Header.Clone(), msg.Body)

	if !s.Signed() {
		t.Fatalf("Signed() = false, failure %v", s.Failure())
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil", s.Err())
	}
	if got := s.Decide(PolicyReject); got != PolicyAccept {
		t.Errorf("Decide: got %v, want accept", got)
	}

	if got := msg.Header.Get("MIME-Version"); got != "1.0" {
		t.Errorf("MIME-Version: got %q, want %q", got, "1.0")
	}
	if msg.Header.Has("Content-Transfer-Encoding") {
		t.Error("Content-Transfer-Encoding should have been removed")
	}
	if got := msg.Header.Get("Subject"); got != "quarterly report" {
		t.Errorf("Subject: got %q", got)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("failed to parse Content-Type: %v", err)
	}
	if mediaType != "multipart/signed" {
		t.Fatalf("media type: got %q, want multipart/signed", mediaType)
	}

	entity, sig := splitSigned(t, msg.Body, params["boundary"])
	wantEntity := "Content-Type: text/plain; charset=utf-8\r\nContent-Transfer-Encoding: 7bit\r\n\r\nNumbers attached.\r\n"
	if diff := cmp.Diff(wantEntity, string(entity)); diff != "" {
		t.Errorf("signed entity mismatch (-want +got):\n%s", diff)
	}

	sd, err := cms.ParseSignedData(sig)
	if err != nil {
		t.Fatalf("failed to parse signature: %v", err)
	}
	opts := x509.VerifyOptions{
		Roots:     testPKI(t).Roots(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
	}
	if _, err := sd.VerifyDetached(entity, opts); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSignEnveloping(t *testing.T) {
	store := newStore(t)
	msg := newMessage()

	s := New(msg, sender, store, WithMode(smime.ModeEnveloping), WithLogger(quietLogger()))
	s.Sign(msg.Header.Clone(), msg.Body)

	if !s.Signed() {
		t.Fatalf("Signed() = false, failure %v", s.Failure())
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("failed to parse Content-Type: %v", err)
	}
	if mediaType != "application/pkcs7-mime" || params["smime-type"] != "signed-data" {
		t.Errorf("Content-Type: got %q", msg.Header.Get("Content-Type"))
	}

	der, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(msg.Body), "\r\n", ""))
	if err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	sd, err := cms.ParseSignedData(der)
	if err != nil {
		t.Fatalf("failed to parse signature: %v", err)
	}
	data, err := sd.GetData()
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if !bytes.Contains(data, []byte("Numbers attached.")) {
		t.Errorf("encapsulated content missing body: %q", data)
	}
}

func TestSignUnknownSender(t *testing.T) {
	store := newStore(t)
	msg := newMessage()
	before := msg.Bytes()

	s := New(msg, "mallory@example.com", store, WithLogger(quietLogger()))
	s.Sign(msg.Header.Clone(), msg.Body)

	if s.Signed() {
		t.Fatal("Signed() = true for unregistered sender")
	}
	if got := s.Failure(); got != KindNotFound {
		t.Errorf("Failure: got %v, want %v", got, KindNotFound)
	}
	if got := s.Decide(PolicyReject); got != PolicyAccept {
		t.Errorf("Decide: got %v, want accept", got)
	}
	if !bytes.Equal(before, msg.Bytes()) {
		t.Error("message was modified")
	}
}

func TestSignEmptySender(t *testing.T) {
	host := &recordingHost{}

	s := New(host, "<>", newStore(t), WithLogger(quietLogger()))
	s.Sign(newMessage().Header, nil)

	if got := s.Failure(); got != KindNotFound {
		t.Errorf("Failure: got %v, want %v", got, KindNotFound)
	}
	if len(host.ops) != 0 {
		t.Errorf("expected no mutations, got %v", host.ops)
	}
}

func TestSignBadKey(t *testing.T) {
	p := testPKI(t)
	id, err := p.Issue(sender)
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}
	files, err := p.WriteFiles(t.TempDir(), id)
	if err != nil {
		t.Fatalf("failed to write key material: %v", err)
	}
	if err := os.WriteFile(files.KeyFile, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("failed to corrupt key: %v", err)
	}
	store := certstore.New([]certstore.Identity{{
		Address:  sender,
		CertFile: files.CertFile,
		KeyFile:  files.KeyFile,
	}})
	host := &recordingHost{}

	s := New(host, sender, store, WithLogger(quietLogger()))
	s.Sign(newMessage().Header, []byte("body\r\n"))

	if s.Signed() {
		t.Fatal("Signed() = true with unreadable key")
	}
	if got := s.Failure(); got != KindCrypto {
		t.Errorf("Failure: got %v, want %v", got, KindCrypto)
	}
	if len(host.ops) != 0 {
		t.Errorf("expected no mutations, got %v", host.ops)
	}
	if got := s.Decide(PolicyTempFail); got != PolicyTempFail {
		t.Errorf("Decide: got %v, want tempfail", got)
	}
}

func TestSignMalformedChain(t *testing.T) {
	p := testPKI(t)
	id, err := p.Issue(sender)
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}
	dir := t.TempDir()
	files, err := p.WriteFiles(dir, id)
	if err != nil {
		t.Fatalf("failed to write key material: %v", err)
	}
	bundle := filepath.Join(dir, "broken.pem")
	if err := os.WriteFile(bundle, []byte("-----BEGIN CERTIFICATE-----\nMIIB\n"), 0o600); err != nil {
		t.Fatalf("failed to write bundle: %v", err)
	}
	store := certstore.New([]certstore.Identity{{
		Address:          sender,
		CertFile:         files.CertFile,
		KeyFile:          files.KeyFile,
		IntermediateFile: bundle,
	}})
	host := &recordingHost{}

	s := New(host, sender, store, WithLogger(quietLogger()))
	s.Sign(newMessage().Header, []byte("body\r\n"))

	if got := s.Failure(); got != KindParse {
		t.Errorf("Failure: got %v, want %v", got, KindParse)
	}
	if len(host.ops) != 0 {
		t.Errorf("expected no mutations, got %v", host.ops)
	}
}

func TestSignMutationOrder(t *testing.T) {
	host := &recordingHost{}

	s := New(host, sender, newStore(t), WithLogger(quietLogger()))
	s.Sign(newMessage().Header, []byte("body\r\n"))

	if !s.Signed() {
		t.Fatalf("Signed() = false, failure %v", s.Failure())
	}
	want := []string{
		"remove Content-Type",
		"remove Content-Transfer-Encoding",
		"add MIME-Version",
		"add Content-Type",
		"body",
	}
	if diff := cmp.Diff(want, host.ops); diff != "" {
		t.Errorf("mutations mismatch (-want +got):\n%s", diff)
	}
}

func TestSignHostFailure(t *testing.T) {
	tests := []struct {
		name   string
		failOn string
		want   []string
	}{
		{
			name:   "remove",
			failOn: "remove Content-Type",
			want:   nil,
		},
		{
			name:   "add",
			failOn: "add Content-Type",
			want:   []string{"remove Content-Type", "remove Content-Transfer-Encoding", "add MIME-Version"},
		},
		{
			name:   "body",
			failOn: "body",
			want:   []string{"remove Content-Type", "remove Content-Transfer-Encoding", "add MIME-Version", "add Content-Type"},
		},
	}

	store := newStore(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &recordingHost{failOn: tt.failOn}

			s := New(host, sender, store, WithLogger(quietLogger()))
			s.Sign(newMessage().Header, []byte("body\r\n"))

			if s.Signed() {
				t.Fatal("Signed() = true after host failure")
			}
			if got := s.Failure(); got != KindSession {
				t.Errorf("Failure: got %v, want %v", got, KindSession)
			}
			if diff := cmp.Diff(tt.want, host.ops); diff != "" {
				t.Errorf("mutations mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSignStagedRollback(t *testing.T) {
	msg := newMessage()
	before := msg.Bytes()
	host := &failingMessage{Message: msg, failOn: "Content-Type"}

	s := New(host, sender, newStore(t), WithLogger(quietLogger()))
	s.Sign(msg.Header.Clone(), msg.Body)

	if s.Signed() {
		t.Fatal("Signed() = true after host failure")
	}
	if got := s.Failure(); got != KindSession {
		t.Errorf("Failure: got %v, want %v", got, KindSession)
	}
	if diff := cmp.Diff(string(before), string(msg.Bytes())); diff != "" {
		t.Errorf("message not rolled back (-want +got):\n%s", diff)
	}
}

func TestSignSealedMessage(t *testing.T) {
	msg := newMessage()
	msg.Seal()

	s := New(msg, sender, newStore(t), WithLogger(quietLogger()))
	s.Sign(msg.Header.Clone(), msg.Body)

	if got := s.Failure(); got != KindSession {
		t.Errorf("Failure: got %v, want %v", got, KindSession)
	}
	if got := s.Decide(PolicyReject); got != PolicyReject {
		t.Errorf("Decide: got %v, want reject", got)
	}
}

func TestErrHidesCause(t *testing.T) {
	host := &recordingHost{failOn: "body"}

	s := New(host, sender, newStore(t), WithLogger(quietLogger()))
	s.Sign(newMessage().Header, []byte("body\r\n"))

	var serr *Error
	if !errors.As(s.Err(), &serr) {
		t.Fatalf("Err: got %T, want *Error", s.Err())
	}
	if got, want := s.Err().Error(), "smime signing failed: session error"; got != want {
		t.Errorf("Err: got %q, want %q", got, want)
	}
}

func TestNormalizeSender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "alice@example.com", want: "alice@example.com"},
		{in: "<alice@example.com>", want: "alice@example.com"},
		{in: "  <Alice@Example.com>  ", want: "Alice@Example.com"},
		{in: "<>", want: ""},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		if got := NormalizeSender(tt.in); got != tt.want {
			t.Errorf("NormalizeSender(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Kind
	}{
		{err: nil, want: KindNone},
		{err: certstore.ErrNotFound, want: KindNotFound},
		{err: certstore.ErrParse, want: KindParse},
		{err: fmt.Errorf("%w: read intermediate bundle: %v", certstore.ErrParse, os.ErrPermission), want: KindParse},
		{err: certstore.ErrKeyMaterial, want: KindCrypto},
		{err: smime.ErrCrypto, want: KindCrypto},
		{err: smime.ErrEncoding, want: KindEncoding},
		{err: ErrSession, want: KindSession},
		{err: errors.New("unexpected"), want: KindCrypto},
	}

	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{in: "", want: PolicyAccept},
		{in: "accept", want: PolicyAccept},
		{in: "TempFail", want: PolicyTempFail},
		{in: "reject", want: PolicyReject},
		{in: "bounce", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFailurePolicy(%q): error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// splitSigned returns the signed entity and the decoded signature of a
// multipart/signed body.
func splitSigned(t *testing.T, body []byte, boundary string) ([]byte, []byte) {
	t.Helper()
	delim := []byte("\r\n--" + boundary + "\r\n")
	start := bytes.Index(body, []byte("--"+boundary+"\r\n"))
	if start < 0 {
		t.Fatal("opening boundary not found")
	}
	rest := body[start+len(boundary)+4:]
	end := bytes.Index(rest, delim)
	if end < 0 {
		t.Fatal("second boundary not found")
	}
	entity := rest[:end]

	sigPart := rest[end+len(delim):]
	sigPart = sigPart[:bytes.Index(sigPart, []byte("\r\n--"+boundary+"--"))]
	blank := bytes.Index(sigPart, []byte("\r\n\r\n"))
	if blank < 0 {
		t.Fatal("signature part header not terminated")
	}
	encoded := strings.ReplaceAll(string(sigPart[blank+4:]), "\r\n", "")
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("failed to decode signature: %v", err)
	}
	return entity, sig
}
