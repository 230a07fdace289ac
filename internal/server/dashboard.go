package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/payment"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Kioskpay</title>
    <meta name="description" content="Lightning payment orchestration for vending kiosks">
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>&#9889;</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --text-tertiary: #52525b;
            --accent: #22c55e;
            --accent-dim: rgba(34, 197, 94, 0.1);
            --red: #ef4444;
            --amber: #f59e0b;
            --blue: #3b82f6;
        }

        body {
            font-family: 'Inter', -apple-system, sans-serif;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
            font-size: 14px;
            line-height: 1.5;
            -webkit-font-smoothing: antialiased;
        }

        .container { max-width: 960px; margin: 0 auto; padding: 0 24px; }

        header { border-bottom: 1px solid var(--border); padding: 20px 0; }
        header .container { display: flex; align-items: center; justify-content: space-between; }
        .logo { font-weight: 600; font-size: 16px; letter-spacing: -0.01em; }
        .logo span { color: var(--accent); }

        .status-pill {
            font-family: 'JetBrains Mono', monospace;
            font-size: 12px;
            padding: 4px 10px;
            border-radius: 999px;
            border: 1px solid var(--border);
            color: var(--text-secondary);
        }
        .status-pill.healthy { color: var(--accent); border-color: var(--accent-dim); background: var(--accent-dim); }
        .status-pill.degraded { color: var(--red); }

        main { padding: 32px 0 64px; }

        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 16px; margin-bottom: 32px; }

        .card {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 20px;
        }
        .card .label { color: var(--text-tertiary); font-size: 12px; text-transform: uppercase; letter-spacing: 0.05em; }
        .card .value { font-family: 'JetBrains Mono', monospace; font-size: 28px; font-weight: 500; margin-top: 6px; }
        .card .value.created { color: var(--blue); }
        .card .value.pending { color: var(--amber); }

        h2 { font-size: 13px; color: var(--text-secondary); text-transform: uppercase; letter-spacing: 0.05em; margin-bottom: 12px; }

        table { width: 100%; border-collapse: collapse; font-family: 'JetBrains Mono', monospace; font-size: 12px; }
        th { text-align: left; color: var(--text-tertiary); font-weight: 400; padding: 8px 12px; border-bottom: 1px solid var(--border); }
        td { padding: 8px 12px; border-bottom: 1px solid var(--border); color: var(--text-secondary); }
        td.id { color: var(--text); }
        .empty { color: var(--text-tertiary); padding: 24px 12px; text-align: center; }

        footer { border-top: 1px solid var(--border); padding: 16px 0; color: var(--text-tertiary); font-size: 12px; }
        footer a { color: var(--text-secondary); text-decoration: none; margin-right: 16px; }
    </style>
</head>
<body>
    <header>
        <div class="container">
            <div class="logo">kiosk<span>pay</span></div>
            <div class="status-pill" id="health">...</div>
        </div>
    </header>
    <main>
        <div class="container">
            <div class="grid">
                <div class="card"><div class="label">Open payments</div><div class="value" id="open">-</div></div>
                <div class="card"><div class="label">Created</div><div class="value created" id="created">-</div></div>
                <div class="card"><div class="label">Pending</div><div class="value pending" id="pending">-</div></div>
                <div class="card"><div class="label">Stream subscribers</div><div class="value" id="subs">-</div></div>
            </div>
            <h2>Open payments</h2>
            <table>
                <thead><tr><th>ID</th><th>Client</th><th>Status</th><th>Amount</th><th>Monitor until</th></tr></thead>
                <tbody id="rows"><tr><td colspan="5" class="empty">Loading</td></tr></tbody>
            </table>
        </div>
    </main>
    <footer><div class="container"><a href="/health">Health</a><a href="/metrics">Metrics</a></div></footer>
    <script>
        function esc(s) {
            return String(s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
        }

        async function safeFetch(url) {
            try {
                const res = await fetch(url);
                if (!res.ok && res.status !== 503) return null;
                return await res.json();
            } catch (e) {
                return null;
            }
        }

        function renderRows(payments) {
            const tbody = document.getElementById('rows');
            if (!payments || payments.length === 0) {
                tbody.innerHTML = '<tr><td colspan="5" class="empty">No open payments</td></tr>';
                return;
            }
            tbody.innerHTML = payments.map(p =>
                '<tr><td class="id">' + esc(p.id) + '</td><td>' + esc(p.client_id) + '</td><td>' + esc(p.status) +
                '</td><td>' + esc(p.amount) + ' ' + esc(p.currency) + '</td><td>' + esc(p.monitor_until || '') + '</td></tr>'
            ).join('');
        }

        async function loadData() {
            const [health, stats] = await Promise.all([
                safeFetch('/health'),
                safeFetch('/dashboard/stats'),
            ]);

            const pill = document.getElementById('health');
            if (health) {
                pill.textContent = health.status;
                pill.className = 'status-pill ' + health.status;
            } else {
                pill.textContent = 'unreachable';
                pill.className = 'status-pill degraded';
            }

            if (stats) {
                document.getElementById('open').textContent = stats.open_total;
                document.getElementById('created').textContent = stats.created;
                document.getElementById('pending').textContent = stats.pending;
                document.getElementById('subs').textContent = stats.subscribers;
                renderRows(stats.payments);
            }
        }

        // Initial load
        loadData();

        // Refresh every 5s
        setInterval(loadData, 5000);
    </script>
</body>
</html>`

// dashboardHandler serves the ops dashboard
func dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}

type dashboardPayment struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	MonitorUntil string `json:"monitor_until,omitempty"`
}

// dashboardStatsHandler summarizes non-terminal payments and live stream
// subscribers for the ops page. Terminal history lives behind the
// authenticated list endpoint, not here.
func (s *Server) dashboardStatsHandler(c *gin.Context) {
	open, err := s.payments.NonTerminal(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "store unavailable"})
		return
	}

	var created, pending int
	rows := make([]dashboardPayment, 0, len(open))
	for _, p := range open {
		switch p.Status {
		case payment.StatusCreated:
			created++
		case payment.StatusPending:
			pending++
		}
		row := dashboardPayment{
			ID:       p.ID,
			ClientID: p.ClientID,
			Status:   string(p.Status),
			Amount:   p.Amount.String(),
			Currency: p.Currency,
		}
		if !p.MonitorUntil.IsZero() {
			row.MonitorUntil = p.MonitorUntil.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}

	c.JSON(http.StatusOK, gin.H{
		"open_total":  len(open),
		"created":     created,
		"pending":     pending,
		"subscribers": s.hub.SubscriberCount(),
		"payments":    rows,
	})
}
