package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/photoalbum/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const defaultGitHubAPIURL = "https://api.github.com"

// maxAPIResponseSize はGitHub APIレスポンスの読み込み上限。
const maxAPIResponseSize = 1 << 20

// GitHubOAuthConfig はGitHub OAuthプロバイダーの設定。
type GitHubOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURLとHTTPクライアント
	AuthURL    string
	TokenURL   string
	APIBaseURL string
	HTTPClient *http.Client
}

// GitHubOAuthProvider はGitHub OAuth 2.0による認証を提供する。
type GitHubOAuthProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

// NewGitHubOAuthProvider はGitHubOAuthProviderを生成する。
// スコープ未指定の場合はプロフィールとメールアドレスの読み取りのみを要求する。
func NewGitHubOAuthProvider(config GitHubOAuthConfig) *GitHubOAuthProvider {
	endpoint := github.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{"read:user", "user:email"}
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultGitHubAPIURL
	}

	return &GitHubOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint:     endpoint,
		},
		apiBaseURL: strings.TrimRight(config.APIBaseURL, "/"),
		httpClient: config.HTTPClient,
	}
}

// GetLoginURL はGitHubの認可URLを生成する。
func (p *GitHubOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// githubUser はGET /userのレスポンスのうち利用するフィールド。
type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// githubEmail はGET /user/emailsのレスポンス要素。
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、プロフィールを取得する。
// 公開メールアドレスが未設定の場合は/user/emailsから検証済みアドレスを取得する。
func (p *GitHubOAuthProvider) ExchangeCode(ctx context.Context, code string) (*model.Profile, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	// 1. 認可コードをアクセストークンに交換
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	client := p.oauth.Client(ctx, token)

	// 2. ユーザー情報を取得
	var user githubUser
	if err := p.getJSON(ctx, client, "/user", &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("empty id in user response")
	}

	profile := &model.Profile{
		ID:          strconv.FormatInt(user.ID, 10),
		Username:    user.Login,
		DisplayName: user.Name,
	}
	if user.Email != "" {
		profile.Emails = []string{user.Email}
		return profile, nil
	}

	// 3. メールアドレス一覧を取得（取得できなくてもログインは継続する）
	var emails []githubEmail
	if err := p.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		slog.Warn("failed to fetch github emails",
			slog.String("provider_id", profile.ID),
			slog.String("error", err.Error()),
		)
		return profile, nil
	}
	profile.Emails = orderVerifiedEmails(emails)

	return profile, nil
}

// getJSON はGitHub APIにGETリクエストを送り、JSONレスポンスをdstにデコードする。
func (p *GitHubOAuthProvider) getJSON(ctx context.Context, client *http.Client, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// orderVerifiedEmails は検証済みアドレスのみを、プライマリを先頭にして返す。
func orderVerifiedEmails(emails []githubEmail) []string {
	var primary, others []string
	for _, e := range emails {
		if !e.Verified || e.Email == "" {
			continue
		}
		if e.Primary {
			primary = append(primary, e.Email)
		} else {
			others = append(others, e.Email)
		}
	}
	return append(primary, others...)
}

// compile-time interface check
var _ OAuthProvider = (*GitHubOAuthProvider)(nil)
