package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/denial"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/secretbox"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
	"github.com/dropDatabas3/consentvault/internal/security/token"
	"github.com/dropDatabas3/consentvault/internal/trustlink"
	"github.com/dropDatabas3/consentvault/internal/util/keyfile"
)

type credentialView struct {
	ID        string    `json:"id"`
	Raw       string    `json:"raw"`
	Subject   string    `json:"subject"`
	Scope     string    `json:"scope"`
	KID       string    `json:"kid"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Agent     string    `json:"agent,omitempty"`
	Delegator string    `json:"delegator,omitempty"`
	Delegate  string    `json:"delegate,omitempty"`
	RootToken string    `json:"root_token_id,omitempty"`
}

func tokenView(t *consent.Token) credentialView {
	return credentialView{ID: t.ID, Raw: t.Raw, Subject: t.Subject, Scope: string(t.Scope), KID: t.KID,
		IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt, Agent: t.Agent}
}

func linkView(l *trustlink.Link) credentialView {
	return credentialView{ID: l.ID, Raw: l.Raw, Subject: l.Subject, Scope: string(l.Scope), KID: l.KID,
		IssuedAt: l.IssuedAt, ExpiresAt: l.ExpiresAt, Delegator: l.Delegator, Delegate: l.Delegate, RootToken: l.RootTokenID}
}

type outcomeView struct {
	OK         bool          `json:"ok"`
	Reason     denial.Reason `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	RetryAfter string        `json:"retry_after,omitempty"`
	ID         string        `json:"id,omitempty"`
}

func (o outcomeView) text() string {
	if o.OK {
		return "ok " + o.ID
	}
	s := fmt.Sprintf("denied: %s (%s)", o.Reason, o.Message)
	if o.RetryAfter != "" {
		s += " retry after " + o.RetryAfter
	}
	return s
}

// toScopes valida cada --scope tal cual llega; no recorta espacios.
func toScopes(raw []string) ([]scope.Scope, error) {
	out := make([]scope.Scope, len(raw))
	for i, s := range raw {
		sc, err := scope.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = sc
	}
	return out, nil
}

func keygenCmd(c *cli) *cobra.Command {
	var (
		kind      string
		write     string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Genera material de claves (signing: kid:secret para SIGNING_KEYS; seal|vault: 32 bytes base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			defer secretbox.Wipe(k)
			enc := base64.StdEncoding.EncodeToString(k)

			view := map[string]string{}
			line := enc
			switch kind {
			case "signing":
				kid, err := signing.GenerateKID()
				if err != nil {
					return err
				}
				line = kid + ":" + enc
				view["kid"] = kid
				view["entry"] = line
			case "seal", "vault":
				view["key"] = enc
			default:
				return fmt.Errorf("--kind inválido %q (signing|seal|vault)", kind)
			}

			if write == "" {
				return c.print(view, line)
			}
			if err := keyfile.Write(write, line, overwrite); err != nil {
				return err
			}
			// La clave queda sólo en el archivo.
			out := map[string]string{"kind": kind, "path": write}
			if kid, ok := view["kid"]; ok {
				out["kid"] = kid
			}
			return c.print(out, write)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "signing", "signing|seal|vault")
	cmd.Flags().StringVar(&write, "write", "", "escribe la clave en este archivo (0600) en lugar de stdout")
	cmd.Flags().BoolVar(&overwrite, "force", false, "sobrescribe --write si ya existe")
	return cmd
}

func issueCmd(c *cli) *cobra.Command {
	var req consent.IssueRequest
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Emite un consent token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			t, err := ctn.Tokens.Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.print(tokenView(t), t.Raw)
		},
	}
	cmd.Flags().StringVar(&req.Subject, "subject", "", "id del usuario dueño del vault")
	cmd.Flags().StringVar(&req.Agent, "agent", "", "id del agente")
	cmd.Flags().StringVar(&req.Scope, "scope", "", "scope a otorgar")
	cmd.Flags().DurationVar(&req.TTL, "ttl", 0, "duración (default de la config si 0)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func validateCmd(c *cli) *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "validate <token>",
		Short: "Valida un consent token contra uno o más scopes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := toScopes(scopes)
			if err != nil {
				return err
			}
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			out, err := ctn.Tokens.ValidateAny(cmd.Context(), args[0], expected...)
			v := outcomeView{OK: out.OK, Reason: out.Reason, Message: out.Message}
			if out.Token != nil {
				v.ID = out.Token.ID
			}
			if out.RetryAfter > 0 {
				v.RetryAfter = out.RetryAfter.String()
			}
			if perr := c.print(v, v.text()); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			return out.Err()
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope esperado (repetible; alcanza con uno)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func linkValidateCmd(c *cli) *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "link-validate <link>",
		Short: "Valida un trust link (incluye revocación del token raíz)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := toScopes(scopes)
			if err != nil {
				return err
			}
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			out, err := ctn.Links.ValidateAny(cmd.Context(), args[0], expected...)
			v := outcomeView{OK: out.OK, Reason: out.Reason, Message: out.Message}
			if out.Link != nil {
				v.ID = out.Link.ID
			}
			if out.RetryAfter > 0 {
				v.RetryAfter = out.RetryAfter.String()
			}
			if perr := c.print(v, v.text()); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			return out.Err()
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope esperado (repetible)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func revokeCmd(c *cli) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "revoke <tok_...|lnk_...>",
		Short: "Revoca un token o trust link (idempotente)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			switch {
			case strings.HasPrefix(id, token.ConsentPrefix):
				err = ctn.Tokens.Revoke(cmd.Context(), id, actor, reason)
			case strings.HasPrefix(id, token.LinkPrefix):
				err = ctn.Links.Revoke(cmd.Context(), id, actor, reason)
			default:
				return fmt.Errorf("id %q no es de token (%s) ni de link (%s)", id, token.ConsentPrefix, token.LinkPrefix)
			}
			if err != nil {
				return err
			}
			return c.print(map[string]string{"revoked": id}, "revoked "+id)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "operator", "quién revoca")
	cmd.Flags().StringVar(&reason, "reason", "", "nota para el audit log")
	return cmd
}

func delegateCmd(c *cli) *cobra.Command {
	var req trustlink.DelegateRequest
	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Emite un trust link desde un consent token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			l, err := ctn.Links.Delegate(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.print(linkView(l), l.Raw)
		},
	}
	cmd.Flags().StringVar(&req.DelegatorToken, "token", "", "consent token del agente que delega")
	cmd.Flags().StringVar(&req.Delegate, "delegate", "", "id del agente que recibe")
	cmd.Flags().StringVar(&req.Scope, "scope", "", "scope a delegar")
	cmd.Flags().DurationVar(&req.TTL, "ttl", 0, "duración (0: hasta donde permita el token raíz)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("delegate")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

type eventView struct {
	ID        string            `json:"event_id"`
	Type      audit.EventType   `json:"event_type"`
	Actor     string            `json:"actor"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

func historyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Muestra el stream de auditoría de un token o link (verifica sellos)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			var (
				views []eventView
				lines []string
			)
			for e, err := range ctn.Audit.History(cmd.Context(), args[0]) {
				if err != nil {
					return err
				}
				views = append(views, eventView{ID: e.ID, Type: e.Type, Actor: e.Actor, Timestamp: e.Timestamp, Detail: e.Detail})
				lines = append(lines, fmt.Sprintf("%s %-9s actor=%s %v", e.Timestamp.Format(time.RFC3339Nano), e.Type, e.Actor, e.Detail))
			}
			if len(lines) == 0 {
				lines = append(lines, "(sin eventos)")
			}
			return c.print(views, strings.Join(lines, "\n"))
		},
	}
}

type vaultFlags struct {
	credential string
	user       string
	domain     string
	in         string
}

func (f *vaultFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.credential, "credential", "", "consent token o trust link")
	cmd.Flags().StringVar(&f.user, "user", "", "id del usuario")
	cmd.Flags().StringVar(&f.domain, "domain", "", "dominio del vault (food, finance, ...)")
	cmd.Flags().StringVar(&f.in, "in", "-", "archivo de entrada ('-' = stdin)")
	_ = cmd.MarkFlagRequired("credential")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("domain")
}

func (f *vaultFlags) read(cmd *cobra.Command) ([]byte, error) {
	if f.in == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(f.in)
}

func sealCmd(c *cli) *cobra.Command {
	var f vaultFlags
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Cifra datos para el vault del usuario (imprime {ciphertext,iv,tag})",
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := f.read(cmd)
			if err != nil {
				return err
			}
			defer secretbox.Wipe(pt)
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			enc, err := ctn.Vault.Seal(cmd.Context(), f.credential, f.user, f.domain, pt)
			if err != nil {
				return err
			}
			b, err := json.Marshal(enc)
			if err != nil {
				return err
			}
			return c.print(enc, string(b))
		},
	}
	f.bind(cmd)
	return cmd
}

func unsealCmd(c *cli) *cobra.Command {
	var f vaultFlags
	cmd := &cobra.Command{
		Use:   "unseal",
		Short: "Descifra un payload {ciphertext,iv,tag} del vault del usuario",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := f.read(cmd)
			if err != nil {
				return err
			}
			var enc secretbox.Encoded
			if err := json.Unmarshal(raw, &enc); err != nil {
				return errors.Join(secretbox.ErrInvalidPayload, err)
			}
			ctn, err := c.container(cmd.Context())
			if err != nil {
				return err
			}
			defer ctn.Close()
			pt, err := ctn.Vault.Unseal(cmd.Context(), f.credential, f.user, f.domain, enc)
			if err != nil {
				return err
			}
			defer secretbox.Wipe(pt)
			_, err = cmd.OutOrStdout().Write(pt)
			return err
		},
	}
	f.bind(cmd)
	return cmd
}
